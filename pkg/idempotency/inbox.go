// Package idempotency provides the Inbox pattern for exactly-once message
// handling. Keys are derived from the handler name and the message identity.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is an inbox record
type Entry struct {
	Key          string
	HandlerName  string
	Status       Status
	Result       json.RawMessage
	AttemptCount int
	UpdatedAt    time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// Retention is how long finished entries are kept
	Retention time.Duration
	// CleanupInterval is how often to delete old entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// MaxAttempts caps retries of recoverable failures
	MaxAttempts int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		MaxAttempts:     10,
	}
}

var (
	// ErrDuplicateMessage indicates the message was already handled
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another worker is handling the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPermanentlyFailed indicates the message failed terminally before
	ErrPermanentlyFailed = errors.New("message previously failed permanently")
)

// ProcessResult describes the outcome of Process
type ProcessResult struct {
	Duplicate bool
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc handles a message payload
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox records which messages have been handled
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn at most once to completion for key. A recoverable failure
// leaves the entry open for a later redelivery until MaxAttempts is reached.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPermanentlyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	attempts, err := i.start(ctx, key, handlerName, payload)
	if err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		status := StatusRecoverable
		if IsTerminal(handlerErr) || attempts >= i.config.MaxAttempts {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	// The handler already succeeded, so a bookkeeping failure is only logged.
	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Recovered: recovered, Result: result}, nil
}

// GenerateKey derives a deterministic key from message identity parts
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// IsTerminal reports whether err must not be retried. Caller mistakes and
// business rule rejections are terminal; dependency failures are not.
func IsTerminal(err error) bool {
	switch errorx.KindOf(err) {
	case errorx.KindValidation, errorx.KindNotFound, errorx.KindConflict, errorx.KindPaymentDeclined:
		return true
	}
	return false
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, result, attempt_count, updated_at
		FROM inbox
		WHERE idempotency_key = $1`, key).
		Scan(&e.Key, &e.HandlerName, &e.Status, &e.Result, &e.AttemptCount, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// start claims the entry and returns the attempt number
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) (int, error) {
	var attempts int
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, attempt_count = inbox.attempt_count + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING attempt_count`, key, handlerName, StatusStarted, payload).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		// another worker claimed or finished it first
		return 0, ErrDuplicateMessage
	}
	if err != nil {
		return 0, fmt.Errorf("start processing: %w", err)
	}
	return attempts, nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	completed := status == StatusFinished || status == StatusFailed
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1,
		    result = COALESCE($2, result),
		    updated_at = NOW(),
		    completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END
		WHERE idempotency_key = $4`, status, result, completed, key)
	return err
}

// StartCleanup starts deleting old completed entries in the background
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			n, err := i.Cleanup(i.ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// Cleanup deletes completed entries older than the retention period
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE completed_at IS NOT NULL
		  AND completed_at < NOW() - make_interval(secs => $1)`, i.config.Retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStale reopens STARTED entries whose worker disappeared
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts entries by status
type Stats struct {
	Total       int64
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := i.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox`).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
