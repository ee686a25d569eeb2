// Package order implements order creation and the order lifecycle.
package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vetrx/fulfillment/internal/domain/catalog"
)

// FirstOrderNumber is issued when no order exists yet
const FirstOrderNumber int64 = 100001

// ShippingLeadTime is added to the creation time to get the shipping date
const ShippingLeadTime = 4 * 24 * time.Hour

var ErrNotFound = errors.New("order not found")

// ErrConcurrentUpdate is returned by Repository.Update when the stored order
// changed since it was read
var ErrConcurrentUpdate = errors.New("order modified concurrently")

// Status represents the fulfillment status of an order
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusFulfilled  Status = "fulfilled"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusShipped:    2,
	StatusDelivered:  3,
	StatusFulfilled:  4,
}

// ParseStatus accepts a status in any letter case
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	_, ok := statusRank[st]
	return st, ok
}

// Precedes reports whether s comes strictly before next in the lifecycle
func (s Status) Precedes(next Status) bool {
	return statusRank[s] < statusRank[next]
}

// Type distinguishes one-time purchases from subscription shipments
type Type string

const (
	TypeOneTime      Type = "one_time"
	TypeSubscription Type = "subscription"
)

// RegistrationStatus tracks the recurring-billing profile of a subscription order
type RegistrationStatus string

const (
	RegistrationPending    RegistrationStatus = "pending"
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationFailed     RegistrationStatus = "failed"
)

// Address is a postal address snapshot
type Address struct {
	Street1 string `json:"street_1"`
	Street2 string `json:"street_2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Zip4    string `json:"zip4,omitempty"`
}

// Street joins both street lines
func (a Address) Street() string {
	return strings.TrimSpace(a.Street1 + " " + a.Street2)
}

// LineItem is one product on an order. UnitPrice is captured at creation and
// never re-derived.
type LineItem struct {
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name,omitempty"`
	Strength     string          `json:"strength"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"product_price"`
	ProductType  string          `json:"product_type"`
	Instructions string          `json:"instructions,omitempty"`
	Expires      *time.Time      `json:"expires,omitempty"`
	Refills      int             `json:"refills"`
	AutoRefill   bool            `json:"auto_refill"`
}

// PaymentInfo is the masked card and billing state kept on an order
type PaymentInfo struct {
	CardLast4          string             `json:"card_last4,omitempty"`
	CardBrand          string             `json:"card_brand,omitempty"`
	CardExpiry         string             `json:"card_expiry,omitempty"`
	CardholderName     string             `json:"cardholder_name,omitempty"`
	ReferenceNumber    string             `json:"reference_number,omitempty"`
	CustomerNumber     string             `json:"customer_number,omitempty"`
	RegistrationStatus RegistrationStatus `json:"registration_status,omitempty"`
	RegistrationError  string             `json:"registration_error,omitempty"`
	// CaptureAttemptID marks a charge in flight at the gateway
	CaptureAttemptID   string             `json:"capture_attempt_id,omitempty"`
	CaptureStartedAt   *time.Time         `json:"capture_started_at,omitempty"`
}

// Order is the persisted order document
type Order struct {
	ID              string              `json:"id"`
	OrderNumber     int64               `json:"order_number"`
	VetID           string              `json:"vet_id"`
	ClientID        string              `json:"client_id"`
	PatientID       string              `json:"patient_id"`
	HospitalID      string              `json:"hospital_id"`
	PharmacyID      *string             `json:"pharmacy_id"`
	PharmacyType    catalog.ProductType `json:"pharmacy_type"`
	Contents        []LineItem          `json:"order_contents"`
	SubtotalPrice   decimal.Decimal     `json:"subtotal_price"`
	Tax             decimal.Decimal     `json:"tax"`
	ShippingAmount  decimal.Decimal     `json:"shipping_amount"`
	TotalPrice      decimal.Decimal     `json:"total_price"`
	Status          Status              `json:"order_status"`
	IsArchived      bool                `json:"is_archived"`
	Type            Type                `json:"order_type"`
	SubscriptionID  string              `json:"subscription_id,omitempty"`
	BoxNo           int                 `json:"box_no"`
	ShippingMethod  string              `json:"shipping_method"`
	ShippingAddress Address             `json:"shipping_address"`
	BillingAddress  *Address            `json:"billing_address,omitempty"`
	ShippingDate    time.Time           `json:"shipping_date"`
	TrackingNumber  string              `json:"tracking_number,omitempty"`
	PaymentInfo
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	// Version is incremented by every successful Repository.Update
	Version    int64     `json:"version"`
}

// Charged reports whether the order already has a captured payment
func (o *Order) Charged() bool { return o.ReferenceNumber != "" }

// CaptureInProgress reports whether a capture claimed the order less than ttl
// before now
func (o *Order) CaptureInProgress(now time.Time, ttl time.Duration) bool {
	return o.CaptureAttemptID != "" && o.CaptureStartedAt != nil && now.Sub(*o.CaptureStartedAt) < ttl
}

// BelongsTo reports whether the order was routed to the pharmacy
func (o *Order) BelongsTo(pharmacyID string) bool {
	return o.PharmacyID != nil && *o.PharmacyID == pharmacyID
}

// BillingOrShipping returns the billing address when present
func (o *Order) BillingOrShipping() Address {
	if o.BillingAddress != nil {
		return *o.BillingAddress
	}
	return o.ShippingAddress
}

// Repository persists orders. Create must reject a duplicate order number.
// Update stores o only if the stored version still equals o.Version and
// returns ErrConcurrentUpdate otherwise; on success o.Version is incremented.
// GetForUpdate locks the order until the caller's unit of work ends.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
}

// Sequencer issues strictly increasing order numbers
type Sequencer interface {
	Next(ctx context.Context) (int64, error)
}

// TxManager runs fn in a single unit of work. Repositories called with the
// ctx passed to fn join that unit of work.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outbox records domain events in the caller's unit of work
type Outbox interface {
	Append(ctx context.Context, event *Event) error
}
