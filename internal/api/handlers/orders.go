package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/pkg/errorx"
	"github.com/vetrx/fulfillment/pkg/validate"
)

// OrderService is the order workflow behind the handlers
type OrderService interface {
	CreateOrder(ctx context.Context, req *order.CreateRequest) (*order.CreateResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	AdvanceStatus(ctx context.Context, pharmacyID, orderID string, upd order.StatusUpdate) (bool, error)
	Archive(ctx context.Context, orderID string) error
}

// PaymentService captures order payments
type PaymentService interface {
	Capture(ctx context.Context, req *payment.CaptureRequest) (*payment.Receipt, error)
}

var (
	_ OrderService   = (*order.Service)(nil)
	_ PaymentService = (*payment.Coordinator)(nil)
)

// OrderHandler handles order and payment endpoints
type OrderHandler struct {
	orders   OrderService
	payments PaymentService
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewOrderHandler creates a new handler
func NewOrderHandler(orders OrderService, payments PaymentService, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		orders:   orders,
		payments: payments,
		logger:   logger,
		tracer:   otel.Tracer("order-handler"),
	}
}

// Routes mounts the order endpoints on r
func (h *OrderHandler) Routes(r chi.Router) {
	r.Post("/orders", h.Create)
	r.Get("/orders/{id}", h.Get)
	r.Delete("/orders/{id}", h.Archive)
	r.Post("/orders/{id}/payments", h.CapturePayment)
	r.Put("/pharmacies/{pharmacy_id}/orders/{id}", h.PharmacyUpdate)
}

// LineItemRequest is one requested product
type LineItemRequest struct {
	ProductID    string     `json:"product_id"`
	ProductName  string     `json:"product_name"`
	Strength     string     `json:"strength"`
	Quantity     int        `json:"quantity" validate:"gte=0"`
	Instructions string     `json:"instructions"`
	Expires      *time.Time `json:"expires"`
	Refills      int        `json:"refills" validate:"gte=0"`
	AutoRefill   bool       `json:"auto_refill"`
}

// CreateOrderRequest is the request body of POST /orders
type CreateOrderRequest struct {
	VetID           string            `json:"vet_id"`
	ClientID        string            `json:"client_id"`
	PatientID       string            `json:"patient_id"`
	HospitalID      string            `json:"hospital_id"`
	OrderType       string            `json:"order_type"`
	OrderContents   []LineItemRequest `json:"order_contents" validate:"dive"`
	ShippingMethod  string            `json:"shipping_method"`
	ShippingAmount  decimal.Decimal   `json:"shipping_amount"`
	Tax             decimal.Decimal   `json:"tax"`
	ShippingAddress order.Address     `json:"shipping_address"`
	BillingAddress  *order.Address    `json:"billing_address"`
	TreatmentPlanID string            `json:"treatment_plan_id"`
}

func (req *CreateOrderRequest) toDomain() *order.CreateRequest {
	out := &order.CreateRequest{
		VetID:           req.VetID,
		ClientID:        req.ClientID,
		PatientID:       req.PatientID,
		HospitalID:      req.HospitalID,
		Type:            order.Type(req.OrderType),
		ShippingMethod:  req.ShippingMethod,
		ShippingAmount:  req.ShippingAmount,
		Tax:             req.Tax,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		TreatmentPlanID: req.TreatmentPlanID,
	}
	for _, c := range req.OrderContents {
		out.Contents = append(out.Contents, order.LineRequest{
			ProductID:    c.ProductID,
			ProductName:  c.ProductName,
			Strength:     c.Strength,
			Quantity:     c.Quantity,
			Instructions: c.Instructions,
			Expires:      c.Expires,
			Refills:      c.Refills,
			AutoRefill:   c.AutoRefill,
		})
	}
	return out
}

// CreateOrderResponse is the response of POST /orders
type CreateOrderResponse struct {
	OrderID            string    `json:"order_id"`
	OrderNumber        int64     `json:"order_number"`
	ShippingDate       time.Time `json:"shipping_date"`
	ConfirmationStatus string    `json:"confirmation_status"`
	ClientName         string    `json:"client_name"`
	PatientName        string    `json:"patient_name"`
	VetName            string    `json:"vet_name"`
	SubscriptionID     string    `json:"subscription_id,omitempty"`
}

// Create handles POST /orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_order")
	defer span.End()

	var req CreateOrderRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.orders.CreateOrder(ctx, req.toDomain())
	if err != nil {
		span.RecordError(err)
		respondError(w, r, h.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("order_id", res.Order.ID),
		attribute.Int64("order_number", res.Order.OrderNumber))

	resp := CreateOrderResponse{
		OrderID:            res.Order.ID,
		OrderNumber:        res.Order.OrderNumber,
		ShippingDate:       res.Order.ShippingDate,
		ConfirmationStatus: res.ConfirmationStatus,
		ClientName:         res.ClientName,
		PatientName:        res.PatientName,
		VetName:            res.VetName,
	}
	if res.Subscription != nil {
		resp.SubscriptionID = res.Subscription.ID
	}
	respondJSON(w, http.StatusCreated, resp)
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// Archive handles DELETE /orders/{id}
func (h *OrderHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusUpdateRequest is the request body of the pharmacy update
type StatusUpdateRequest struct {
	OrderStatus    *string `json:"order_status"`
	TrackingNumber *string `json:"tracking_number"`
}

// PharmacyUpdate handles PUT /pharmacies/{pharmacy_id}/orders/{id}
func (h *OrderHandler) PharmacyUpdate(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdateRequest
	if err := decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	var upd order.StatusUpdate
	if req.OrderStatus != nil {
		st, ok := order.ParseStatus(*req.OrderStatus)
		if !ok {
			respondError(w, r, h.logger, errorx.Validation("unknown order status %q", *req.OrderStatus).
				WithDetails(errorx.Detail{Path: "order_status", Info: "oneof=pending processing shipped delivered fulfilled"}))
			return
		}
		upd.Status = &st
	}
	upd.TrackingNumber = req.TrackingNumber

	updated, err := h.orders.AdvanceStatus(r.Context(), chi.URLParam(r, "pharmacy_id"), chi.URLParam(r, "id"), upd)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

// CapturePayment handles POST /orders/{id}/payments. A charge whose recurring
// billing registration failed is answered with 202; the registration is
// retried in the background.
func (h *OrderHandler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "capture_payment")
	defer span.End()

	var card payment.CardDetails
	if err := decode(w, r, &card); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	orderID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("order_id", orderID))

	receipt, err := h.payments.Capture(ctx, &payment.CaptureRequest{OrderID: orderID, Card: card})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, receipt)
	case errors.Is(err, payment.ErrRegistrationIncomplete) && receipt != nil:
		h.logger.Warn("payment captured with incomplete registration",
			zap.String("order_id", orderID),
			zap.String("reference_number", receipt.ReferenceNumber),
			zap.Error(err))
		respondJSON(w, http.StatusAccepted, receipt)
	default:
		span.RecordError(err)
		respondError(w, r, h.logger, err)
	}
}
