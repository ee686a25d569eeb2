// Package payment captures order payments and registers subscription clients
// for recurring billing.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

// ErrRegistrationIncomplete is returned alongside a receipt when the charge
// succeeded but the recurring billing profile could not be registered.
var ErrRegistrationIncomplete = errorx.New(errorx.KindExternalService,
	"payment captured but recurring billing registration is incomplete")

// Config holds coordinator settings
type Config struct {
	// Timeout bounds each gateway call
	Timeout time.Duration
	// NextChargeIn is the delay before the first recurring charge
	NextChargeIn time.Duration
	// ClaimTTL is how long a capture in flight blocks other captures of the
	// same order. It must exceed Timeout.
	ClaimTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		NextChargeIn: subscription.ShipmentInterval,
		ClaimTTL:     5 * time.Minute,
	}
}

// Metrics records payment outcomes
type Metrics interface {
	PaymentCaptured(outcome string)
	RegistrationFailed()
}

type nopMetrics struct{}

func (nopMetrics) PaymentCaptured(string) {}
func (nopMetrics) RegistrationFailed()    {}

// Deps are the collaborators of the coordinator
type Deps struct {
	Orders        order.Repository
	Subscriptions subscription.Repository
	Directory     directory.Directory
	Gateway       Gateway
	Tx            order.TxManager
	Outbox        order.Outbox
	Metrics       Metrics
	Clock         func() time.Time
}

// CaptureRequest is the input of Capture
type CaptureRequest struct {
	OrderID string
	Card    CardDetails
}

// Receipt is the outcome of a capture
type Receipt struct {
	ReferenceNumber string `json:"reference_number"`
	CustomerNumber  string `json:"customer_number,omitempty"`
	// Replayed is set when the order had already been charged
	Replayed bool `json:"replayed"`
}

// Coordinator captures payments
type Coordinator struct {
	Deps
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a payment coordinator
func NewCoordinator(cfg Config, deps Deps, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.NextChargeIn <= 0 {
		cfg.NextChargeIn = DefaultConfig().NextChargeIn
	}
	if cfg.ClaimTTL <= cfg.Timeout {
		cfg.ClaimTTL = max(DefaultConfig().ClaimTTL, 2*cfg.Timeout)
	}
	return &Coordinator{
		Deps:   deps,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("payment-coordinator"),
	}
}

// Capture charges an order once. A second capture of a charged order returns
// the stored reference without calling the gateway, and a capture overlapping
// one still at the gateway is rejected with a Conflict. Declines and gateway
// failures leave the order as it was. For subscription orders a failed
// recurring registration returns the receipt together with
// ErrRegistrationIncomplete.
func (c *Coordinator) Capture(ctx context.Context, req *CaptureRequest) (*Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "payment.capture",
		trace.WithAttributes(attribute.String("order_id", req.OrderID)))
	defer span.End()

	receipt, err := c.capture(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return receipt, err
}

func (c *Coordinator) capture(ctx context.Context, req *CaptureRequest) (*Receipt, error) {
	if err := req.Card.Validate(); err != nil {
		return nil, err
	}

	attempt := uuid.New().String()
	var replay *Receipt
	o, err := c.mutate(ctx, req.OrderID, func(o *order.Order) ([]*order.Event, error) {
		if o.IsArchived {
			return nil, errorx.Validation("order %d is archived", o.OrderNumber)
		}
		if o.Charged() {
			replay = &Receipt{ReferenceNumber: o.ReferenceNumber, CustomerNumber: o.CustomerNumber, Replayed: true}
			return nil, order.ErrNoChange
		}
		now := c.Clock().UTC()
		if o.CaptureInProgress(now, c.config.ClaimTTL) {
			return nil, errorx.Conflict("payment for order %d is already in progress", o.OrderNumber)
		}
		o.CaptureAttemptID = attempt
		o.CaptureStartedAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		c.Metrics.PaymentCaptured("replayed")
		c.logger.Info("payment already captured",
			zap.String("order_id", o.ID),
			zap.Int64("order_number", o.OrderNumber))
		return replay, nil
	}

	result, err := c.charge(ctx, o, &req.Card)
	if err != nil {
		c.releaseClaim(ctx, o.ID, attempt)
		return nil, err
	}

	// the charge stands even if the caller has gone away
	ctx = context.WithoutCancel(ctx)
	o, err = c.mutate(ctx, o.ID, func(o *order.Order) ([]*order.Event, error) {
		if o.Charged() {
			return nil, fmt.Errorf("order %d already carries reference %s", o.OrderNumber, o.ReferenceNumber)
		}
		o.CardLast4 = req.Card.Last4()
		o.CardBrand = req.Card.Brand()
		o.CardExpiry = req.Card.Expiry()
		o.CardholderName = req.Card.HolderName
		o.ReferenceNumber = result.ReferenceNumber
		o.CaptureAttemptID = ""
		o.CaptureStartedAt = nil
		if o.Status.Precedes(order.StatusProcessing) {
			o.Status = order.StatusProcessing
		}
		o.ModifiedAt = c.Clock().UTC()

		paid, err := order.NewOrderEvent(o, order.EventOrderPaid, &order.PaidData{
			OrderID:         o.ID,
			OrderNumber:     o.OrderNumber,
			ReferenceNumber: o.ReferenceNumber,
			CardBrand:       o.CardBrand,
		})
		if err != nil {
			return nil, err
		}
		return []*order.Event{paid}, nil
	})
	if err != nil {
		c.logger.Error("charged order could not be saved",
			zap.String("order_id", req.OrderID),
			zap.String("reference_number", result.ReferenceNumber),
			zap.Error(err))
		return nil, err
	}

	c.Metrics.PaymentCaptured("charged")
	c.logger.Info("payment captured",
		zap.String("order_id", o.ID),
		zap.Int64("order_number", o.OrderNumber),
		zap.String("reference_number", o.ReferenceNumber))

	receipt := &Receipt{ReferenceNumber: o.ReferenceNumber}
	if o.Type != order.TypeSubscription {
		return receipt, nil
	}
	if err := c.register(ctx, o, &req.Card, ""); err != nil {
		return receipt, err
	}
	receipt.CustomerNumber = o.CustomerNumber
	return receipt, nil
}

// releaseClaim clears the capture marker after a failed charge so the order
// can be captured again
func (c *Coordinator) releaseClaim(ctx context.Context, orderID, attempt string) {
	_, err := c.mutate(context.WithoutCancel(ctx), orderID, func(o *order.Order) ([]*order.Event, error) {
		if o.CaptureAttemptID != attempt {
			return nil, order.ErrNoChange
		}
		o.CaptureAttemptID = ""
		o.CaptureStartedAt = nil
		return nil, nil
	})
	if err != nil {
		c.logger.Error("capture claim could not be released",
			zap.String("order_id", orderID),
			zap.String("attempt", attempt),
			zap.Error(err))
	}
}

func (c *Coordinator) charge(ctx context.Context, o *order.Order, card *CardDetails) (*ChargeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	result, err := c.Gateway.Charge(callCtx, &ChargeRequest{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Amount:      o.TotalPrice,
		Card:        *card,
	})
	switch {
	case errorx.Is(err, errorx.KindPaymentDeclined):
		c.Metrics.PaymentCaptured("declined")
		c.logger.Info("payment declined",
			zap.String("order_id", o.ID),
			zap.Int64("order_number", o.OrderNumber),
			zap.Error(err))
		return nil, err
	case err != nil:
		c.Metrics.PaymentCaptured("error")
		if errorx.Is(err, errorx.KindExternalService) {
			return nil, err
		}
		return nil, errorx.ExternalService(err, "charge order %d", o.OrderNumber)
	case result == nil || result.ReferenceNumber == "":
		c.Metrics.PaymentCaptured("error")
		return nil, errorx.ExternalService(errors.New("missing reference number"), "charge order %d", o.OrderNumber)
	}
	return result, nil
}

// RetryRegistration re-submits the recurring billing profile of a charged
// subscription order, using the stored reference number in place of the card.
func (c *Coordinator) RetryRegistration(ctx context.Context, orderID string) (*Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "payment.retry_registration",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	o, err := c.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Type != order.TypeSubscription {
		return nil, errorx.Validation("order %d is not a subscription order", o.OrderNumber)
	}
	if !o.Charged() {
		return nil, errorx.Validation("order %d has not been charged", o.OrderNumber)
	}
	receipt := &Receipt{ReferenceNumber: o.ReferenceNumber, CustomerNumber: o.CustomerNumber}
	if o.RegistrationStatus == order.RegistrationRegistered {
		receipt.Replayed = true
		return receipt, nil
	}

	if err := c.register(ctx, o, nil, o.ReferenceNumber); err != nil {
		span.RecordError(err)
		return receipt, err
	}
	receipt.CustomerNumber = o.CustomerNumber
	return receipt, nil
}

func (c *Coordinator) register(ctx context.Context, o *order.Order, card *CardDetails, token string) error {
	client, err := c.Directory.Client(ctx, o.ClientID)
	if err != nil {
		return c.registrationFailed(ctx, o, card != nil, fmt.Errorf("load client %s: %w", o.ClientID, err))
	}
	profile := c.billingProfile(o, client, card, token)

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	code, err := c.Gateway.RegisterCustomer(callCtx, profile)
	cancel()
	if err != nil {
		return c.registrationFailed(ctx, o, card != nil, err)
	}

	var saved *order.Order
	err = c.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.Clock().UTC()
		var err error
		saved, err = c.mutate(ctx, o.ID, func(o *order.Order) ([]*order.Event, error) {
			o.CustomerNumber = code
			o.RegistrationStatus = order.RegistrationRegistered
			o.RegistrationError = ""
			o.ModifiedAt = now
			ev, err := order.NewSubscriptionEvent(o.SubscriptionID, order.EventSubscriptionRegistered, order.TopicSubscriptionEvents,
				&order.RegistrationData{
					OrderID:        o.ID,
					OrderNumber:    o.OrderNumber,
					SubscriptionID: o.SubscriptionID,
					CustomerNumber: code,
				})
			if err != nil {
				return nil, err
			}
			return []*order.Event{ev}, nil
		})
		if err != nil {
			return err
		}

		sub, err := c.Subscriptions.Get(ctx, o.SubscriptionID)
		if err != nil {
			return fmt.Errorf("load subscription %s: %w", o.SubscriptionID, err)
		}
		sub.CustomerNumber = code
		sub.ModifiedAt = now
		if err := c.Subscriptions.Update(ctx, sub); err != nil {
			return fmt.Errorf("update subscription %s: %w", sub.ID, err)
		}
		return nil
	})
	if errors.Is(err, subscription.ErrNotFound) {
		return c.registrationFailed(ctx, o, card != nil, err)
	}
	if err != nil {
		return fmt.Errorf("%w: save customer number: %w", ErrRegistrationIncomplete, err)
	}
	*o = *saved

	c.logger.Info("recurring billing registered",
		zap.String("order_id", o.ID),
		zap.String("subscription_id", o.SubscriptionID),
		zap.String("customer_number", code))
	return nil
}

// registrationFailed records the failure on the order. A failure of the first
// attempt also emits an event for the reconciler; reconciler retries are
// bounded by its own attempt accounting and emit nothing. The charge itself
// stands.
func (c *Coordinator) registrationFailed(ctx context.Context, o *order.Order, announce bool, cause error) error {
	c.Metrics.RegistrationFailed()
	c.logger.Error("recurring billing registration failed",
		zap.String("order_id", o.ID),
		zap.Int64("order_number", o.OrderNumber),
		zap.String("subscription_id", o.SubscriptionID),
		zap.Bool("retry", !announce),
		zap.Error(cause))

	saved, err := c.mutate(ctx, o.ID, func(o *order.Order) ([]*order.Event, error) {
		if o.RegistrationStatus == order.RegistrationRegistered {
			return nil, order.ErrNoChange
		}
		o.RegistrationStatus = order.RegistrationFailed
		o.RegistrationError = cause.Error()
		o.ModifiedAt = c.Clock().UTC()
		if !announce {
			return nil, nil
		}
		ev, err := order.NewSubscriptionEvent(o.SubscriptionID, order.EventSubscriptionRegistrationFailed,
			order.TopicSubscriptionRegistration, &order.RegistrationData{
				OrderID:        o.ID,
				OrderNumber:    o.OrderNumber,
				SubscriptionID: o.SubscriptionID,
				Error:          cause.Error(),
			})
		if err != nil {
			return nil, err
		}
		return []*order.Event{ev}, nil
	})
	if err != nil {
		c.logger.Error("registration failure could not be recorded",
			zap.String("order_id", o.ID),
			zap.Error(err))
	} else {
		*o = *saved
	}
	return fmt.Errorf("%w: %w", ErrRegistrationIncomplete, cause)
}

func (c *Coordinator) billingProfile(o *order.Order, client *directory.Client, card *CardDetails, token string) *BillingProfile {
	addr := o.BillingOrShipping()
	return &BillingProfile{
		Address: BillingContact{
			FirstName: client.FirstName,
			LastName:  client.LastName,
			Email:     client.Email,
			Phone:     client.CellPhone,
			Street:    addr.Street(),
			Street1:   addr.Street1,
			Street2:   addr.Street2,
			City:      addr.City,
			State:     addr.State,
			Zip:       addr.Zip,
			Zip4:      addr.Zip4,
		},
		Card:           card,
		PaymentToken:   token,
		CustomerNumber: o.ClientID,
		User:           o.VetID,
		Amount:         o.TotalPrice,
		CustomerID:     o.ClientID,
		OrderID:        o.ID,
		NextCharge:     c.Clock().UTC().Add(c.config.NextChargeIn),
		Description:    fmt.Sprintf("%s %s Order number %d", client.FirstName, client.LastName, o.OrderNumber),
	}
}

func (c *Coordinator) loadOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := c.Orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, errorx.Wrap(errorx.KindNotFound, err, "order %s not found", id)
		}
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return o, nil
}

func (c *Coordinator) mutate(ctx context.Context, id string, fn func(o *order.Order) ([]*order.Event, error)) (*order.Order, error) {
	return order.Mutate(ctx, c.Tx, c.Orders, c.Outbox, id, fn)
}
