package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeRequest is a one-time charge for an order
type ChargeRequest struct {
	OrderID     string
	OrderNumber int64
	Amount      decimal.Decimal
	Card        CardDetails
}

// ChargeResult is the gateway's acceptance of a charge
type ChargeResult struct {
	ReferenceNumber string
	Message         string
}

// BillingContact is the billing address merged with client contact fields
type BillingContact struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Street    string `json:"street"`
	Street1   string `json:"street_1"`
	Street2   string `json:"street_2,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Zip4      string `json:"zip4,omitempty"`
}

// BillingProfile registers a client for recurring billing. Card is nil when
// the profile is re-submitted with PaymentToken from an earlier charge.
type BillingProfile struct {
	Address        BillingContact
	Card           *CardDetails
	PaymentToken   string
	CustomerNumber string
	User           string
	Amount         decimal.Decimal
	CustomerID     string
	OrderID        string
	NextCharge     time.Time
	Description    string
}

// Gateway is the external payment processor. Implementations classify a
// rejected charge as errorx.KindPaymentDeclined and every other failure as
// errorx.KindExternalService.
type Gateway interface {
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	RegisterCustomer(ctx context.Context, profile *BillingProfile) (customerCode string, err error)
}
