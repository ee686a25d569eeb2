package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/notification"
	"github.com/vetrx/fulfillment/internal/domain/pricing"
	"github.com/vetrx/fulfillment/internal/domain/routing"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

// Pricer prices line items against a hospital formulary
type Pricer interface {
	Price(ctx context.Context, hospitalID string, lines []pricing.Line, tax, shipping decimal.Decimal) (*pricing.Quote, error)
}

// PharmacyRouter picks the fulfillment pharmacy
type PharmacyRouter interface {
	Route(hospital *catalog.Hospital, types []catalog.ProductType) (routing.Decision, error)
}

// Metrics records order outcomes
type Metrics interface {
	OrderCreated(orderType, pharmacyType string)
	OrderFailed(kind string)
	ObserveCreateDuration(d time.Duration)
	NotificationFailed(kind string)
}

type nopMetrics struct{}

func (nopMetrics) OrderCreated(string, string)         {}
func (nopMetrics) OrderFailed(string)                  {}
func (nopMetrics) ObserveCreateDuration(time.Duration) {}
func (nopMetrics) NotificationFailed(string)           {}

// Deps are the collaborators of the order service
type Deps struct {
	Orders        Repository
	Subscriptions subscription.Repository
	Plans         subscription.PlanRepository
	Catalog       catalog.Repository
	Directory     directory.Directory
	Pricer        Pricer
	Router        PharmacyRouter
	Sequencer     Sequencer
	Tx            TxManager
	Outbox        Outbox
	Notifier      notification.Dispatcher
	Metrics       Metrics
	Clock         func() time.Time
}

// Service creates orders and drives their lifecycle
type Service struct {
	Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates an order service
func NewService(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		Deps:   deps,
		logger: logger,
		tracer: otel.Tracer("order-service"),
	}
}

// LineRequest is a requested line item
type LineRequest struct {
	ProductID    string
	ProductName  string
	Strength     string
	Quantity     int
	Instructions string
	Expires      *time.Time
	Refills      int
	AutoRefill   bool
}

// CreateRequest is the input of CreateOrder. Contents are required for
// one-time orders; subscriptions take their contents from the plan.
type CreateRequest struct {
	VetID           string
	ClientID        string
	PatientID       string
	HospitalID      string
	Type            Type
	Contents        []LineRequest
	ShippingMethod  string
	ShippingAmount  decimal.Decimal
	Tax             decimal.Decimal
	ShippingAddress Address
	BillingAddress  *Address
	TreatmentPlanID string
}

// Validate checks the request shape before any lookup
func (r *CreateRequest) Validate() error {
	var details []errorx.Detail
	require := func(path, v string) {
		if v == "" {
			details = append(details, errorx.Detail{Path: path, Info: "required"})
		}
	}
	require("vet_id", r.VetID)
	require("client_id", r.ClientID)
	require("patient_id", r.PatientID)
	require("hospital_id", r.HospitalID)
	require("shipping_method", r.ShippingMethod)
	require("shipping_address.street_1", r.ShippingAddress.Street1)
	require("shipping_address.city", r.ShippingAddress.City)
	require("shipping_address.state", r.ShippingAddress.State)
	require("shipping_address.zip", r.ShippingAddress.Zip)

	switch r.Type {
	case TypeSubscription:
		require("treatment_plan_id", r.TreatmentPlanID)
	case TypeOneTime:
		if len(r.Contents) == 0 {
			details = append(details, errorx.Detail{Path: "order_contents", Info: "required for one_time orders"})
		}
		for i, c := range r.Contents {
			require(fmt.Sprintf("order_contents[%d].product_id", i), c.ProductID)
			require(fmt.Sprintf("order_contents[%d].strength", i), c.Strength)
		}
	default:
		details = append(details, errorx.Detail{Path: "order_type", Info: "oneof=one_time subscription"})
	}

	if len(details) > 0 {
		return errorx.Validation("invalid order request").WithDetails(details...)
	}
	return nil
}

// CreateResult is the outcome of CreateOrder
type CreateResult struct {
	Order        *Order
	Subscription *subscription.Subscription
	// ConfirmationStatus reports the pharmacy alert: sent, failed or skipped
	ConfirmationStatus string
	ClientName         string
	PatientName        string
	VetName            string
}

// CreateOrder prices, routes, numbers and persists an order, and for
// subscriptions the enrollment with its shipment schedule. Nothing is written
// unless every lookup succeeds.
func (s *Service) CreateOrder(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "order.create",
		trace.WithAttributes(
			attribute.String("hospital_id", req.HospitalID),
			attribute.String("order_type", string(req.Type)),
		))
	defer span.End()

	res, err := s.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.Metrics.OrderFailed(errorx.KindOf(err).String())
		return nil, err
	}

	span.SetAttributes(attribute.Int64("order_number", res.Order.OrderNumber))
	s.Metrics.OrderCreated(string(res.Order.Type), string(res.Order.PharmacyType))
	s.Metrics.ObserveCreateDuration(time.Since(start))
	return res, nil
}

func (s *Service) create(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if req.Type == "" {
		req.Type = TypeOneTime
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hospital, err := s.Catalog.Hospital(ctx, req.HospitalID)
	if err != nil {
		return nil, lookupErr(err, catalog.ErrNotFound, "hospital", req.HospitalID)
	}
	if hospital.IsArchived {
		return nil, errorx.NotFound("hospital %s not found", req.HospitalID)
	}
	client, err := s.Directory.Client(ctx, req.ClientID)
	if err != nil {
		return nil, lookupErr(err, directory.ErrNotFound, "client", req.ClientID)
	}
	patient, err := s.Directory.Patient(ctx, req.PatientID)
	if err != nil {
		return nil, lookupErr(err, directory.ErrNotFound, "patient", req.PatientID)
	}
	vet, err := s.Directory.Vet(ctx, req.VetID)
	if err != nil {
		return nil, lookupErr(err, directory.ErrNotFound, "vet", req.VetID)
	}

	now := s.Clock().UTC()

	var (
		plan     *subscription.TreatmentPlan
		schedule *subscription.Schedule
		requests = req.Contents
		boxNo    = 1
	)
	if req.Type == TypeSubscription {
		plan, err = s.Plans.GetPlan(ctx, req.TreatmentPlanID)
		if err != nil {
			return nil, lookupErr(err, subscription.ErrPlanNotFound, "treatment plan", req.TreatmentPlanID)
		}
		if plan.IsArchived {
			return nil, errorx.NotFound("treatment plan %s not found", req.TreatmentPlanID)
		}
		schedule, err = subscription.NewSchedule(plan, now)
		if err != nil {
			return nil, err
		}
		requests = linesFromBox(schedule.InitialBox)
		boxNo = schedule.InitialBox.BoxNo
	}

	lines := make([]pricing.Line, len(requests))
	for i, r := range requests {
		lines[i] = pricing.Line{ProductID: r.ProductID, Variant: r.Strength, Quantity: r.Quantity}
	}
	quote, err := s.Pricer.Price(ctx, req.HospitalID, lines, req.Tax, req.ShippingAmount)
	if err != nil {
		return nil, err
	}

	contents, types, err := s.buildContents(ctx, quote, requests)
	if err != nil {
		return nil, err
	}
	decision, err := s.Router.Route(hospital, types)
	if err != nil {
		return nil, err
	}

	number, err := s.Sequencer.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue order number: %w", err)
	}

	o := &Order{
		ID:              uuid.New().String(),
		OrderNumber:     number,
		VetID:           req.VetID,
		ClientID:        req.ClientID,
		PatientID:       req.PatientID,
		HospitalID:      req.HospitalID,
		PharmacyID:      decision.PharmacyID,
		PharmacyType:    decision.Category,
		Contents:        contents,
		SubtotalPrice:   quote.Subtotal,
		Tax:             quote.Tax,
		ShippingAmount:  quote.Shipping,
		TotalPrice:      quote.Total,
		Status:          StatusPending,
		Type:            req.Type,
		BoxNo:           boxNo,
		ShippingMethod:  req.ShippingMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		ShippingDate:    now.Add(ShippingLeadTime),
		CreatedAt:       now,
		ModifiedAt:      now,
	}

	var sub *subscription.Subscription
	if plan != nil {
		sub = &subscription.Subscription{
			ID:              uuid.New().String(),
			ClientID:        req.ClientID,
			PatientID:       req.PatientID,
			VetID:           req.VetID,
			HospitalID:      req.HospitalID,
			TreatmentPlanID: plan.ID,
			Status:          subscription.StatusActive,
			CreatedAt:       now,
			ModifiedAt:      now,
		}
		schedule.Apply(sub, plan)
		o.SubscriptionID = sub.ID
		o.RegistrationStatus = RegistrationPending
	}

	events, err := creationEvents(o, sub)
	if err != nil {
		return nil, err
	}

	err = s.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if sub != nil {
			if err := s.Subscriptions.Create(ctx, sub); err != nil {
				return fmt.Errorf("create subscription: %w", err)
			}
		}
		if err := s.Orders.Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		for _, ev := range events {
			if err := s.Outbox.Append(ctx, ev); err != nil {
				return fmt.Errorf("append %s: %w", ev.EventType, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist order %d: %w", number, err)
	}

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.Int64("order_number", o.OrderNumber),
		zap.String("order_type", string(o.Type)),
		zap.String("pharmacy_type", string(o.PharmacyType)),
		zap.String("total", o.TotalPrice.StringFixed(pricing.MoneyPlaces)))

	return &CreateResult{
		Order:              o,
		Subscription:       sub,
		ConfirmationStatus: s.notifyCreated(ctx, o, sub, client),
		ClientName:         client.FullName(),
		PatientName:        patient.Name,
		VetName:            vet.FullName(),
	}, nil
}

func (s *Service) buildContents(ctx context.Context, quote *pricing.Quote, requests []LineRequest) ([]LineItem, []catalog.ProductType, error) {
	contents := make([]LineItem, len(requests))
	types := make([]catalog.ProductType, len(requests))
	for i, r := range requests {
		product, err := s.Catalog.Product(ctx, r.ProductID)
		if err != nil {
			return nil, nil, lookupErr(err, catalog.ErrNotFound, "product", r.ProductID)
		}
		pt, ok := catalog.ParseProductType(product.Type)
		if !ok {
			return nil, nil, errorx.Validation("product %s has unknown type %q", r.ProductID, product.Type)
		}
		name := r.ProductName
		if name == "" {
			name = product.ProductName
		}
		contents[i] = LineItem{
			ProductID:    r.ProductID,
			ProductName:  name,
			Strength:     r.Strength,
			Quantity:     r.Quantity,
			UnitPrice:    quote.Lines[i].UnitPrice,
			ProductType:  string(pt),
			Instructions: r.Instructions,
			Expires:      r.Expires,
			Refills:      r.Refills,
			AutoRefill:   r.AutoRefill,
		}
		types[i] = pt
	}
	return contents, types, nil
}

func linesFromBox(box subscription.Box) []LineRequest {
	out := make([]LineRequest, len(box.Items))
	for i, it := range box.Items {
		out[i] = LineRequest{
			ProductID:    it.ProductID,
			ProductName:  it.ProductName,
			Strength:     it.Size,
			Quantity:     it.Quantity,
			Instructions: it.Instructions,
		}
	}
	return out
}

func creationEvents(o *Order, sub *subscription.Subscription) ([]*Event, error) {
	created, err := NewOrderEvent(o, EventOrderCreated, &CreatedData{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		OrderType:      o.Type,
		HospitalID:     o.HospitalID,
		PharmacyID:     o.PharmacyID,
		PharmacyType:   string(o.PharmacyType),
		SubscriptionID: o.SubscriptionID,
		TotalPrice:     o.TotalPrice.StringFixed(pricing.MoneyPlaces),
	})
	if err != nil {
		return nil, err
	}
	events := []*Event{created}
	if sub != nil {
		ev, err := NewSubscriptionEvent(sub.ID, EventSubscriptionCreated, TopicSubscriptionEvents, sub)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Get returns a persisted order
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.Orders.Get(ctx, id)
	if err != nil {
		return nil, lookupErr(err, ErrNotFound, "order", id)
	}
	return o, nil
}

// StatusUpdate carries a pharmacy's fulfillment update. Nil fields are left as is.
type StatusUpdate struct {
	Status         *Status
	TrackingNumber *string
}

// AdvanceStatus applies a pharmacy update to one of its orders. Status only
// moves forward, checked against the stored order under lock. The client is
// told about the shipment when a new tracking number is set. Reports whether
// anything changed.
func (s *Service) AdvanceStatus(ctx context.Context, pharmacyID, orderID string, upd StatusUpdate) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "order.advance_status",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	var (
		from        Status
		changed     bool
		newTracking bool
	)
	o, err := Mutate(ctx, s.Tx, s.Orders, s.Outbox, orderID, func(o *Order) ([]*Event, error) {
		if o.IsArchived || !o.BelongsTo(pharmacyID) {
			return nil, errorx.NotFound("order %s not found for pharmacy %s", orderID, pharmacyID)
		}
		from = o.Status
		if upd.Status != nil && *upd.Status != o.Status {
			if !o.Status.Precedes(*upd.Status) {
				return nil, errorx.Conflict("order %d cannot move from %s to %s", o.OrderNumber, o.Status, *upd.Status)
			}
			o.Status = *upd.Status
			changed = true
		}
		if upd.TrackingNumber != nil && *upd.TrackingNumber != o.TrackingNumber {
			o.TrackingNumber = *upd.TrackingNumber
			newTracking = o.TrackingNumber != ""
			changed = true
		}
		if !changed {
			return nil, ErrNoChange
		}
		o.ModifiedAt = s.Clock().UTC()

		ev, err := NewOrderEvent(o, EventOrderStatusChanged, &StatusChangedData{
			OrderID:        o.ID,
			OrderNumber:    o.OrderNumber,
			From:           from,
			To:             o.Status,
			TrackingNumber: o.TrackingNumber,
		})
		if err != nil {
			return nil, err
		}
		return []*Event{ev}, nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, errorx.NotFound("order %s not found for pharmacy %s", orderID, pharmacyID)
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !changed {
		return false, nil
	}

	s.logger.Info("order status updated",
		zap.String("order_id", o.ID),
		zap.Int64("order_number", o.OrderNumber),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)))

	if newTracking {
		s.notifyShipped(ctx, o)
	}
	return true, nil
}

// Archive soft-deletes an order. Order numbers of archived orders stay taken.
func (s *Service) Archive(ctx context.Context, orderID string) error {
	o, err := Mutate(ctx, s.Tx, s.Orders, s.Outbox, orderID, func(o *Order) ([]*Event, error) {
		if o.IsArchived {
			return nil, errorx.Conflict("order %d is already archived", o.OrderNumber)
		}
		o.IsArchived = true
		o.ModifiedAt = s.Clock().UTC()

		ev, err := NewOrderEvent(o, EventOrderArchived, map[string]interface{}{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
		})
		if err != nil {
			return nil, err
		}
		return []*Event{ev}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("order archived", zap.String("order_id", o.ID), zap.Int64("order_number", o.OrderNumber))
	return nil
}

func lookupErr(err, sentinel error, what, id string) error {
	if errors.Is(err, sentinel) {
		return errorx.Wrap(errorx.KindNotFound, err, "%s %s not found", what, id)
	}
	return fmt.Errorf("load %s %s: %w", what, id, err)
}
