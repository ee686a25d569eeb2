// Package notification defines the messages the fulfillment engine hands to
// the external notification service.
package notification

import "context"

// Kind identifies the business event a message announces. The notification
// client maps each kind to a provider template.
type Kind string

const (
	KindOrderClient        Kind = "order_client"
	KindOrderPharmacy      Kind = "order_pharmacy"
	KindSubscriptionClient Kind = "subscription_client"
	KindShippingClient     Kind = "shipping_client"
)

// Delivery states reported per channel
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Recipient is the addressee of a message
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// Message is one email plus SMS notification
type Message struct {
	Kind          Kind
	Recipient     Recipient
	Subject       string
	TemplateID    string
	Substitutions map[string]string
	SMSText       string
}

// Result reports per-channel delivery
type Result struct {
	Email string `json:"email"`
	SMS   string `json:"sms"`
}

// Delivered reports whether every attempted channel succeeded
func (r *Result) Delivered() bool {
	return r != nil && r.Email != StatusFailed && r.SMS != StatusFailed &&
		(r.Email == StatusSent || r.SMS == StatusSent)
}

// Dispatcher sends notifications
type Dispatcher interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}
