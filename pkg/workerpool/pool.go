// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
	// OnDone receives the final result after retries
	OnDone func(*Result)
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Attempts int
	Error    error
}

// Success reports whether the task completed without error
func (r *Result) Success() bool { return r.Error == nil }

// WorkerFunc processes a task
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay is the base delay, multiplied by the attempt number
	RetryDelay time.Duration
	// ShouldRetry decides whether an error is worth retrying. Nil retries all.
	ShouldRetry func(error) bool
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu guards sends on taskChan against its close in Stop
	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.submitted.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task, blocking while the queue is full, and waits
// for its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	done := make(chan *Result, 1)
	prev := task.OnDone
	task.OnDone = func(r *Result) {
		if prev != nil {
			prev(r)
		}
		done <- r
	}

	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r, nil
	}
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		p.submitted.Inc()
		return nil
	}
}

// Run submits every task and waits for all results, returned in task order
func (p *Pool) Run(ctx context.Context, tasks []*Task) ([]*Result, error) {
	results := make([]*Result, len(tasks))
	var (
		wg       sync.WaitGroup
		firstErr error
		errOnce  sync.Once
	)
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			r, err := p.SubmitWait(ctx, task)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			results[i] = r
		}(i, task)
	}
	wg.Wait()
	return results, firstErr
}

// Stop stops accepting tasks and waits for queued work to drain
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		p.mu.Lock()
		p.stopped = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.active.Inc()
	defer p.active.Dec()

	for task := range p.taskChan {
		r := p.process(id, task)
		if task.OnDone != nil {
			task.OnDone(r)
		}
	}
}

// process runs a task with linear backoff between attempts
func (p *Pool) process(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	r := &Result{TaskID: task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			r.Error = err
			break
		}
		r.Attempts++
		r.Error = p.workerFunc(ctx, task)
		if r.Error == nil {
			break
		}
		if attempt == p.config.MaxRetries || (p.config.ShouldRetry != nil && !p.config.ShouldRetry(r.Error)) {
			break
		}

		p.retried.Inc()
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(r.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if r.Error == nil {
		p.completed.Inc()
	} else {
		p.failed.Inc()
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", r.Attempts),
			zap.Error(r.Error))
	}
	return r
}

// Stats holds pool counters
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	ActiveWorkers int64
	QueueDepth    int
	QueueCapacity int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		ActiveWorkers: p.active.Load(),
		QueueDepth:    len(p.taskChan),
		QueueCapacity: p.config.QueueSize,
	}
}

// IsHealthy reports whether the queue is below 90% capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
