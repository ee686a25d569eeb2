package payment

import (
	"fmt"
	"strconv"

	"github.com/vetrx/fulfillment/pkg/errorx"
	"github.com/vetrx/fulfillment/pkg/validate"
)

// CardDetails is the card submitted for a capture. It is never persisted
// in full.
type CardDetails struct {
	Number      string `json:"card_number" validate:"required,numeric,min=12,max=19"`
	ExpiryMonth string `json:"card_expiry_month" validate:"required,numeric,min=1,max=2"`
	ExpiryYear  string `json:"card_expiry_year" validate:"required,numeric,len=4"`
	CVV         string `json:"cvv" validate:"required,numeric,min=3,max=4"`
	HolderName  string `json:"cardholder_name" validate:"required"`
}

// Validate checks the card fields
func (c *CardDetails) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if m, _ := strconv.Atoi(c.ExpiryMonth); m < 1 || m > 12 {
		return errorx.Validation("invalid card expiry month").
			WithDetails(errorx.Detail{Path: "card_expiry_month", Info: "card_expiry_month must be between 1 and 12"})
	}
	return nil
}

// Last4 returns the last four digits of the card number
func (c *CardDetails) Last4() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// Expiry formats the expiry as MM/YYYY
func (c *CardDetails) Expiry() string {
	m, _ := strconv.Atoi(c.ExpiryMonth)
	return fmt.Sprintf("%02d/%s", m, c.ExpiryYear)
}

// Brand derives the card network from the leading digit
func (c *CardDetails) Brand() string {
	if c.Number == "" {
		return "Credit Card"
	}
	switch c.Number[0] {
	case '3':
		return "Amex"
	case '4':
		return "Visa"
	case '5':
		return "MasterCard"
	default:
		return "Credit Card"
	}
}
