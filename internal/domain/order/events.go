package order

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventOrderCreated                   EventType = "OrderCreated"
	EventOrderPaid                      EventType = "OrderPaid"
	EventOrderStatusChanged             EventType = "OrderStatusChanged"
	EventOrderArchived                  EventType = "OrderArchived"
	EventSubscriptionCreated            EventType = "SubscriptionCreated"
	EventSubscriptionRegistered         EventType = "SubscriptionRegistered"
	EventSubscriptionRegistrationFailed EventType = "SubscriptionRegistrationFailed"
)

// Topics events are published to
const (
	TopicOrderEvents              = "order.events"
	TopicSubscriptionEvents       = "subscription.events"
	TopicSubscriptionRegistration = "subscription.registration"
	TopicDeadLetter               = "dead.letter"
)

// Event is a domain event bound for the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Topic         string          `json:"-"`
	Key           string          `json:"-"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, topic, key string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		Topic:         topic,
		Key:           key,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// CreatedData is the payload of OrderCreated
type CreatedData struct {
	OrderID        string  `json:"order_id"`
	OrderNumber    int64   `json:"order_number"`
	OrderType      Type    `json:"order_type"`
	HospitalID     string  `json:"hospital_id"`
	PharmacyID     *string `json:"pharmacy_id"`
	PharmacyType   string  `json:"pharmacy_type"`
	SubscriptionID string  `json:"subscription_id,omitempty"`
	TotalPrice     string  `json:"total_price"`
}

// StatusChangedData is the payload of OrderStatusChanged
type StatusChangedData struct {
	OrderID        string `json:"order_id"`
	OrderNumber    int64  `json:"order_number"`
	From           Status `json:"from"`
	To             Status `json:"to"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// PaidData is the payload of OrderPaid
type PaidData struct {
	OrderID         string `json:"order_id"`
	OrderNumber     int64  `json:"order_number"`
	ReferenceNumber string `json:"reference_number"`
	CardBrand       string `json:"card_brand"`
}

// RegistrationData is the payload of the subscription registration events
type RegistrationData struct {
	OrderID        string `json:"order_id"`
	OrderNumber    int64  `json:"order_number"`
	SubscriptionID string `json:"subscription_id"`
	CustomerNumber string `json:"customer_number,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NewOrderEvent creates an event about an order keyed by order number
func NewOrderEvent(o *Order, eventType EventType, data interface{}) (*Event, error) {
	return NewEvent("Order", o.ID, eventType, TopicOrderEvents, strconv.FormatInt(o.OrderNumber, 10), data)
}

// NewSubscriptionEvent creates an event keyed by subscription id
func NewSubscriptionEvent(subscriptionID string, eventType EventType, topic string, data interface{}) (*Event, error) {
	return NewEvent("Subscription", subscriptionID, eventType, topic, subscriptionID, data)
}
