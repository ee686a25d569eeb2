package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// StartOffset is earliest or latest for a group without commits
	StartOffset    string
	SessionTimeout time.Duration
	// MaxPollRecords bounds one batch handed to the batch handler
	MaxPollRecords int
	// RetryBackoff is the pause before a failed batch is redelivered
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the registration reconciler
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "registration-reconciler",
		StartOffset:    "earliest",
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 100,
		RetryBackoff:   5 * time.Second,
	}
}

// Message is a consumed record
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
	// Context carries the producer's trace context
	Context context.Context
}

// BatchHandler handles one polled batch. Offsets of the whole batch are
// committed when it returns nil. A non-nil error leaves them uncommitted and
// the batch is redelivered.
type BatchHandler func(ctx context.Context, msgs []*Message) error

// Consumer reads records in batches with manual commits
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler BatchHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	read   atomic.Int64
	failed atomic.Int64
}

// NewConsumer creates a consumer group member
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop stops consuming after the current batch. Handled batches are
// already committed.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("fetch error",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(err))
			}
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.handleBatch(records)
	}
}

func (c *Consumer) handleBatch(records []*kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "consume_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("batch_size", len(records))))
	defer span.End()

	msgs := make([]*Message, 0, len(records))
	for _, r := range records {
		msg := &Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   make(map[string]string, len(r.Headers)),
			Timestamp: r.Timestamp,
			Context:   extractTraceContext(c.ctx, r),
		}
		for _, h := range r.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
		msgs = append(msgs, msg)
	}
	c.read.Add(int64(len(msgs)))

	if err := c.handler(ctx, msgs); err != nil {
		c.failed.Add(int64(len(msgs)))
		span.RecordError(err)
		c.logger.Error("batch handler failed, batch will be redelivered",
			zap.Int("batch_size", len(msgs)),
			zap.Error(err))
		// rewind so the same records are fetched again
		c.client.SetOffsets(rewindOffsets(records))
		select {
		case <-c.ctx.Done():
		case <-time.After(c.config.RetryBackoff):
		}
		return
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		span.RecordError(err)
		c.logger.Error("commit failed", zap.Error(err))
	}
}

// rewindOffsets returns the lowest offset per partition in the batch
func rewindOffsets(records []*kgo.Record) map[string]map[int32]kgo.EpochOffset {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range records {
		parts := offsets[r.Topic]
		if parts == nil {
			parts = make(map[int32]kgo.EpochOffset)
			offsets[r.Topic] = parts
		}
		if cur, ok := parts[r.Partition]; !ok || r.Offset < cur.Offset {
			parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
	}
	return offsets
}

// ConsumerStats counts consumed records
type ConsumerStats struct {
	Read   int64
	Failed int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Read: c.read.Load(), Failed: c.failed.Load()}
}
