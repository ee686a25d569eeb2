// Package subscription models treatment plans and the recurring shipment
// schedule of a subscription.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("subscription not found")
	ErrPlanNotFound = errors.New("treatment plan not found")
)

// BoxItem is one product in a plan box. Size is the formulary variant key.
type BoxItem struct {
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Size         string          `json:"size"`
	Quantity     int             `json:"quantity"`
	Instructions string          `json:"instructions,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	ProductPrice decimal.Decimal `json:"product_price"`
}

// Box is one shipment of a treatment plan
type Box struct {
	BoxNo        int             `json:"box_no"`
	BoxPrice     decimal.Decimal `json:"box_price"`
	ShippingDate *time.Time      `json:"shipping_date,omitempty"`
	Items        []BoxItem       `json:"items"`
}

// TreatmentPlan is a vet-authored template of recurring boxes
type TreatmentPlan struct {
	ID                string `json:"id"`
	VetID             string `json:"vet_id"`
	TreatmentPlanName string `json:"treatment_plan_name"`
	Boxes             []Box  `json:"boxes"`
	IsArchived        bool   `json:"is_archived"`
}

// Status of a subscription
type Status string

const (
	StatusActive    Status = "Active"
	StatusPaused    Status = "Paused"
	StatusCancelled Status = "Cancelled"
)

// FutureBox is a scheduled shipment in the rolling window
type FutureBox struct {
	BoxNo        int       `json:"box_no"`
	ShipmentDate time.Time `json:"shipment_date"`
}

// Subscription is a client's enrollment in a treatment plan
type Subscription struct {
	ID                   string      `json:"id"`
	ClientID             string      `json:"client_id"`
	PatientID            string      `json:"patient_id"`
	VetID                string      `json:"vet_id"`
	HospitalID           string      `json:"hospital_id"`
	TreatmentPlanID      string      `json:"treatment_plan_id"`
	Boxes                []Box       `json:"boxes"`
	UpcomingBoxNo        int         `json:"upcoming_box_no"`
	UpcomingShipmentDate time.Time   `json:"upcoming_shipment_date"`
	FutureBoxes          []FutureBox `json:"future_boxes"`
	Status               Status      `json:"subscription_status"`
	CustomerNumber       string      `json:"customer_number,omitempty"`
	IsArchived           bool        `json:"is_archived"`
	CreatedAt            time.Time   `json:"created_at"`
	ModifiedAt           time.Time   `json:"modified_at"`
}

// Repository persists subscriptions
type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
}

// PlanRepository reads treatment plans
type PlanRepository interface {
	GetPlan(ctx context.Context, id string) (*TreatmentPlan, error)
}
