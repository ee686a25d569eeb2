package subscription

import (
	"testing"
	"time"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

func planWith(boxNos ...int) *TreatmentPlan {
	p := &TreatmentPlan{ID: "plan-1"}
	for _, n := range boxNos {
		p.Boxes = append(p.Boxes, Box{BoxNo: n})
	}
	return p
}

var created = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func days(n int) time.Time { return created.AddDate(0, 0, n) }

func checkWindow(t *testing.T, got []FutureBox, want []FutureBox) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("future boxes = %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].BoxNo != want[i].BoxNo || !got[i].ShipmentDate.Equal(want[i].ShipmentDate) {
			t.Errorf("future[%d] = %d@%s, want %d@%s", i,
				got[i].BoxNo, got[i].ShipmentDate.Format(time.DateOnly),
				want[i].BoxNo, want[i].ShipmentDate.Format(time.DateOnly))
		}
	}
}

func TestNewSchedule_FiveBoxPlan(t *testing.T) {
	s, err := NewSchedule(planWith(1, 2, 3, 4, 5), created)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.InitialBox.BoxNo != 1 {
		t.Errorf("initial box = %d, want 1", s.InitialBox.BoxNo)
	}
	if s.UpcomingBoxNo != 2 {
		t.Errorf("upcoming box = %d, want 2", s.UpcomingBoxNo)
	}
	if !s.UpcomingShipmentDate.Equal(days(90)) {
		t.Errorf("upcoming date = %s, want T+90d", s.UpcomingShipmentDate)
	}
	checkWindow(t, s.FutureBoxes, []FutureBox{
		{BoxNo: 3, ShipmentDate: days(180)},
		{BoxNo: 4, ShipmentDate: days(270)},
		{BoxNo: 5, ShipmentDate: days(360)},
	})
}

func TestNewSchedule_TwoBoxPlanRepeatsLast(t *testing.T) {
	s, err := NewSchedule(planWith(1, 2), created)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UpcomingBoxNo != 2 {
		t.Errorf("upcoming box = %d, want 2", s.UpcomingBoxNo)
	}
	checkWindow(t, s.FutureBoxes, []FutureBox{
		{BoxNo: 2, ShipmentDate: days(180)},
		{BoxNo: 2, ShipmentDate: days(270)},
		{BoxNo: 2, ShipmentDate: days(360)},
	})
}

func TestNewSchedule_SingleBoxPlan(t *testing.T) {
	s, err := NewSchedule(planWith(7), created)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UpcomingBoxNo != 7 {
		t.Errorf("upcoming box = %d, want 7", s.UpcomingBoxNo)
	}
	for _, fb := range s.FutureBoxes {
		if fb.BoxNo != 7 {
			t.Errorf("future box %d, want 7", fb.BoxNo)
		}
	}
}

func TestNewSchedule_WindowIsAscendingWithFixedSpacing(t *testing.T) {
	s, err := NewSchedule(planWith(1, 2, 3, 4, 5, 6, 7, 8), created)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prev := s.UpcomingShipmentDate
	for i, fb := range s.FutureBoxes {
		if fb.ShipmentDate.Sub(prev) != ShipmentInterval {
			t.Errorf("future[%d] is %s after previous, want %s", i, fb.ShipmentDate.Sub(prev), ShipmentInterval)
		}
		prev = fb.ShipmentDate
	}
	if len(s.FutureBoxes) != WindowSize {
		t.Errorf("window = %d, want %d", len(s.FutureBoxes), WindowSize)
	}
}

func TestNewSchedule_EmptyPlan(t *testing.T) {
	if _, err := NewSchedule(planWith(), created); !errorx.Is(err, errorx.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := NewSchedule(nil, created); !errorx.Is(err, errorx.KindValidation) {
		t.Fatalf("expected validation error for nil plan, got %v", err)
	}
}

func TestSchedule_ApplySnapshotsBoxes(t *testing.T) {
	plan := planWith(1, 2, 3)
	s, _ := NewSchedule(plan, created)

	var sub Subscription
	s.Apply(&sub, plan)
	plan.Boxes[0].BoxNo = 99

	if sub.Boxes[0].BoxNo != 1 {
		t.Error("subscription boxes must not alias the plan")
	}
	if sub.UpcomingBoxNo != 2 || len(sub.FutureBoxes) != WindowSize {
		t.Errorf("schedule not applied: %+v", sub)
	}
}
