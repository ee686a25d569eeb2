package subscription

import (
	"time"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

const (
	// ShipmentInterval separates consecutive subscription shipments
	ShipmentInterval = 90 * 24 * time.Hour
	// WindowSize is the number of future boxes kept on a subscription
	WindowSize = 3
)

// Schedule is the shipment plan derived from a treatment plan at enrollment
type Schedule struct {
	// InitialBox ships immediately as the enrollment order
	InitialBox           Box
	UpcomingBoxNo        int
	UpcomingShipmentDate time.Time
	FutureBoxes          []FutureBox
}

// NewSchedule expands a plan into the initial box, the next box and a window
// of future shipments spaced ShipmentInterval apart. Once the plan runs out of
// boxes the last box repeats.
func NewSchedule(plan *TreatmentPlan, createdAt time.Time) (*Schedule, error) {
	if plan == nil || len(plan.Boxes) == 0 {
		return nil, errorx.Validation("treatment plan has no boxes")
	}
	boxes := plan.Boxes
	last := len(boxes) - 1

	s := &Schedule{
		InitialBox:           boxes[0],
		UpcomingBoxNo:        boxes[min(1, last)].BoxNo,
		UpcomingShipmentDate: createdAt.Add(ShipmentInterval),
		FutureBoxes:          make([]FutureBox, 0, WindowSize),
	}

	date := s.UpcomingShipmentDate
	for i := 0; i < WindowSize; i++ {
		date = date.Add(ShipmentInterval)
		s.FutureBoxes = append(s.FutureBoxes, FutureBox{
			BoxNo:        boxes[min(2+i, last)].BoxNo,
			ShipmentDate: date,
		})
	}
	return s, nil
}

// Apply copies the schedule onto a subscription along with a snapshot of the
// plan boxes.
func (s *Schedule) Apply(sub *Subscription, plan *TreatmentPlan) {
	sub.Boxes = append([]Box(nil), plan.Boxes...)
	sub.UpcomingBoxNo = s.UpcomingBoxNo
	sub.UpcomingShipmentDate = s.UpcomingShipmentDate
	sub.FutureBoxes = append([]FutureBox(nil), s.FutureBoxes...)
}
