// Package reconciler retries recurring billing registrations that failed
// after a successful charge.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/internal/infrastructure/redpanda"
	"github.com/vetrx/fulfillment/pkg/idempotency"
	"github.com/vetrx/fulfillment/pkg/workerpool"
)

// HandlerName identifies the reconciler in the inbox
const HandlerName = "retry-registration"

// Outcomes recorded per event
const (
	OutcomeRegistered = "registered"
	OutcomeDuplicate  = "duplicate"
	OutcomeAbandoned  = "abandoned"
	OutcomeIgnored    = "ignored"
	OutcomeDeferred   = "deferred"
)

// Retrier re-submits a registration
type Retrier interface {
	RetryRegistration(ctx context.Context, orderID string) (*payment.Receipt, error)
}

// Inbox deduplicates handled events
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Metrics records retry outcomes
type Metrics interface {
	RegistrationRetried(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RegistrationRetried(string) {}

var (
	_ Retrier = (*payment.Coordinator)(nil)
	_ Inbox   = (*idempotency.Inbox)(nil)
)

// Reconciler handles batches from the registration topic
type Reconciler struct {
	retrier Retrier
	inbox   Inbox
	metrics Metrics
	pool    *workerpool.Pool
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a reconciler running retries on a worker pool built from cfg.
// Terminal errors are not retried by the pool.
func New(cfg workerpool.Config, retrier Retrier, inbox Inbox, metrics Metrics, logger *zap.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	r := &Reconciler{
		retrier: retrier,
		inbox:   inbox,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("registration-reconciler"),
	}
	cfg.ShouldRetry = func(err error) bool { return !abandon(err) && !errors.Is(err, idempotency.ErrMessageInProgress) }
	pool, err := workerpool.New(cfg, r.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Start launches the workers
func (r *Reconciler) Start() { r.pool.Start() }

// Stop drains the workers
func (r *Reconciler) Stop() { r.pool.Stop() }

// abandon reports errors that no redelivery can fix
func abandon(err error) bool {
	return idempotency.IsTerminal(err) || errors.Is(err, idempotency.ErrPermanentlyFailed)
}

type job struct {
	event *order.Event
	data  order.RegistrationData
	link  trace.Link
}

// HandleBatch retries every registration failure in msgs. It returns an
// error, and so gets the batch redelivered, only while some event may still
// succeed later. Events already handled are skipped by the inbox.
func (r *Reconciler) HandleBatch(ctx context.Context, msgs []*redpanda.Message) error {
	tasks := make([]*workerpool.Task, 0, len(msgs))
	for _, msg := range msgs {
		var ev order.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			r.metrics.RegistrationRetried(OutcomeIgnored)
			r.logger.Error("malformed registration event skipped",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		if ev.EventType != order.EventSubscriptionRegistrationFailed {
			r.metrics.RegistrationRetried(OutcomeIgnored)
			continue
		}
		j := &job{event: &ev}
		if err := json.Unmarshal(ev.Payload, &j.data); err != nil || j.data.OrderID == "" {
			r.metrics.RegistrationRetried(OutcomeIgnored)
			r.logger.Error("registration event without order id skipped",
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		if msg.Context != nil {
			j.link = trace.LinkFromContext(msg.Context)
		}
		tasks = append(tasks, &workerpool.Task{ID: ev.ID, Payload: j, Context: ctx})
	}
	if len(tasks) == 0 {
		return nil
	}

	results, err := r.pool.Run(ctx, tasks)
	if err != nil {
		return fmt.Errorf("run retries: %w", err)
	}

	var deferred int
	for i, res := range results {
		j := tasks[i].Payload.(*job)
		switch {
		case res.Success():
		case abandon(res.Error):
			r.metrics.RegistrationRetried(OutcomeAbandoned)
			r.logger.Error("registration retry abandoned",
				zap.String("event_id", j.event.ID),
				zap.String("order_id", j.data.OrderID),
				zap.Int64("order_number", j.data.OrderNumber),
				zap.Error(res.Error))
		default:
			deferred++
			r.metrics.RegistrationRetried(OutcomeDeferred)
		}
	}
	if deferred > 0 {
		return fmt.Errorf("%d registration retries deferred", deferred)
	}
	return nil
}

func (r *Reconciler) work(ctx context.Context, task *workerpool.Task) error {
	j := task.Payload.(*job)
	ctx, span := r.tracer.Start(ctx, "reconciler.retry_registration",
		trace.WithLinks(j.link),
		trace.WithAttributes(
			attribute.String("event_id", j.event.ID),
			attribute.String("order_id", j.data.OrderID)))
	defer span.End()

	key := idempotency.GenerateKey(HandlerName, j.event.ID)
	res, err := r.inbox.Process(ctx, key, HandlerName, j.event.Payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		receipt, err := r.retrier.RetryRegistration(ctx, j.data.OrderID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(receipt)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if res.Duplicate {
		r.metrics.RegistrationRetried(OutcomeDuplicate)
		return nil
	}
	r.metrics.RegistrationRetried(OutcomeRegistered)
	r.logger.Info("recurring billing registration reconciled",
		zap.String("order_id", j.data.OrderID),
		zap.String("subscription_id", j.data.SubscriptionID),
		zap.Bool("recovered", res.Recovered))
	return nil
}
