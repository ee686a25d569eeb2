package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/notification"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/pricing"
	"github.com/vetrx/fulfillment/internal/domain/routing"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
	"github.com/vetrx/fulfillment/internal/infrastructure/memory"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*notification.Message
	fail bool
}

func (n *recordingNotifier) Send(_ context.Context, msg *notification.Message) (*notification.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.fail {
		return nil, errors.New("notification service unavailable")
	}
	return &notification.Result{Email: notification.StatusSent, SMS: notification.StatusSent}, nil
}

func (n *recordingNotifier) kinds() []notification.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.Kind, len(n.sent))
	for i, m := range n.sent {
		out[i] = m.Kind
	}
	return out
}

type fixture struct {
	store    *memory.Store
	orders   *memory.Orders
	subs     *memory.Subscriptions
	outbox   *memory.Outbox
	notifier *recordingNotifier
	svc      *order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	cat := memory.NewCatalog(store)
	dir := memory.NewDirectory(store)
	plans := memory.NewPlans(store)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(cat.PutHospital(ctx, &catalog.Hospital{
		ID: "H",
		Formulary: []catalog.FormularyEntry{
			{ProductID: "P", AvailableOptions: []catalog.Variant{{Strength: "10mg", Price: decimal.RequireFromString("25.00")}}},
			{ProductID: "OTC1", AvailableOptions: []catalog.Variant{{Strength: "1ct", Price: decimal.RequireFromString("9.99")}}},
			{ProductID: "C1", AvailableOptions: []catalog.Variant{{Strength: "5ml", Price: decimal.RequireFromString("12.50")}}},
		},
		Pharmacies: map[catalog.ProductType]string{
			catalog.TypeRetail:     "PH-R",
			catalog.TypeCompounded: "PH-C",
		},
	}))
	must(cat.PutProduct(ctx, &catalog.Product{ID: "P", ProductName: "Carprofen", Type: "retail"}))
	must(cat.PutProduct(ctx, &catalog.Product{ID: "OTC1", ProductName: "Chews", Type: "OTC"}))
	must(cat.PutProduct(ctx, &catalog.Product{ID: "C1", ProductName: "Gabapentin suspension", Type: "Compounded"}))
	must(dir.Put(ctx, &directory.Client{ID: "CL", FirstName: "Ann", LastName: "Lee", Email: "ann@example.com", CellPhone: "5550100"}))
	must(dir.Put(ctx, &directory.Patient{ID: "PT", Name: "Rex"}))
	must(dir.Put(ctx, &directory.Vet{ID: "V", FirstName: "Sam", LastName: "Ortiz"}))
	must(dir.Put(ctx, &directory.Pharmacy{ID: "PH-R", Name: "Main St Pharmacy", Email: "rx@example.com", Phone: "5550199"}))
	must(plans.Put(ctx, &subscription.TreatmentPlan{
		ID: "PLAN",
		Boxes: []subscription.Box{
			{BoxNo: 1, Items: []subscription.BoxItem{{ProductID: "P", Size: "10mg", Quantity: 1}}},
			{BoxNo: 2, Items: []subscription.BoxItem{{ProductID: "P", Size: "10mg", Quantity: 1}}},
		},
	}))

	f := &fixture{
		store:    store,
		orders:   memory.NewOrders(store),
		subs:     memory.NewSubscriptions(store),
		outbox:   memory.NewOutbox(store),
		notifier: &recordingNotifier{},
	}
	f.svc = order.NewService(order.Deps{
		Orders:        f.orders,
		Subscriptions: f.subs,
		Plans:         plans,
		Catalog:       cat,
		Directory:     dir,
		Pricer:        pricing.NewCalculator(catalog.NewResolver(cat, nil), nil),
		Router:        routing.NewRouter(),
		Sequencer:     memory.NewSequencer(0),
		Tx:            memory.NewTx(store),
		Outbox:        f.outbox,
		Notifier:      f.notifier,
		Clock:         func() time.Time { return now },
	}, nil)
	return f
}

func oneTime(lines ...order.LineRequest) *order.CreateRequest {
	return &order.CreateRequest{
		VetID:           "V",
		ClientID:        "CL",
		PatientID:       "PT",
		HospitalID:      "H",
		Type:            order.TypeOneTime,
		Contents:        lines,
		ShippingMethod:  "ground",
		ShippingAmount:  decimal.RequireFromString("5"),
		Tax:             decimal.RequireFromString("3"),
		ShippingAddress: order.Address{Street1: "1 Elm St", City: "Austin", State: "TX", Zip: "73301"},
	}
}

func TestCreateOrder_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 2}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o := res.Order
	if o.OrderNumber != order.FirstOrderNumber {
		t.Errorf("order number = %d, want %d", o.OrderNumber, order.FirstOrderNumber)
	}
	if !o.SubtotalPrice.Equal(decimal.RequireFromString("50.00")) || !o.TotalPrice.Equal(decimal.RequireFromString("58.00")) {
		t.Errorf("subtotal/total = %s/%s, want 50.00/58.00", o.SubtotalPrice, o.TotalPrice)
	}
	if o.PharmacyID == nil || *o.PharmacyID != "PH-R" || o.PharmacyType != catalog.TypeRetail {
		t.Errorf("routed to %v (%s), want PH-R", o.PharmacyID, o.PharmacyType)
	}
	if o.Status != order.StatusPending || o.BoxNo != 1 {
		t.Errorf("status/box = %s/%d", o.Status, o.BoxNo)
	}
	if !o.ShippingDate.Equal(now.AddDate(0, 0, 4)) {
		t.Errorf("shipping date = %s", o.ShippingDate)
	}
	if !o.Contents[0].UnitPrice.Equal(decimal.RequireFromString("25")) || o.Contents[0].ProductName != "Carprofen" {
		t.Errorf("line not captured: %+v", o.Contents[0])
	}
	if res.ClientName != "Ann Lee" || res.PatientName != "Rex" || res.VetName != "Sam Ortiz" {
		t.Errorf("names = %q/%q/%q", res.ClientName, res.PatientName, res.VetName)
	}
	if res.ConfirmationStatus != notification.StatusSent {
		t.Errorf("confirmation = %s, want sent", res.ConfirmationStatus)
	}

	stored, err := f.orders.Get(ctx, o.ID)
	if err != nil || !stored.TotalPrice.Equal(o.TotalPrice) {
		t.Fatalf("stored order mismatch: %v", err)
	}

	events := f.outbox.Events()
	if len(events) != 1 || events[0].EventType != order.EventOrderCreated {
		t.Fatalf("unexpected outbox %+v", events)
	}

	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != notification.KindOrderPharmacy || kinds[1] != notification.KindOrderClient {
		t.Errorf("notifications = %v", kinds)
	}

	// the next order takes the following number
	res2, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if res2.Order.OrderNumber != o.OrderNumber+1 {
		t.Errorf("second order number = %d, want %d", res2.Order.OrderNumber, o.OrderNumber+1)
	}
}

func TestCreateOrder_OTCOnlyIsNotRouted(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateOrder(context.Background(), oneTime(order.LineRequest{ProductID: "OTC1", Strength: "1ct", Quantity: 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Order.PharmacyID != nil || res.Order.PharmacyType != catalog.TypeOTC {
		t.Errorf("OTC order routed to %v", res.Order.PharmacyID)
	}
	if res.ConfirmationStatus != notification.StatusSkipped {
		t.Errorf("confirmation = %s, want skipped", res.ConfirmationStatus)
	}
	for _, k := range f.notifier.kinds() {
		if k == notification.KindOrderPharmacy {
			t.Error("pharmacy notified for OTC order")
		}
	}
}

func TestCreateOrder_FailuresPersistNothing(t *testing.T) {
	tests := []struct {
		name string
		req  func() *order.CreateRequest
		kind errorx.Kind
	}{
		{
			name: "variant not on formulary",
			req: func() *order.CreateRequest {
				return oneTime(order.LineRequest{ProductID: "P", Strength: "20mg", Quantity: 1})
			},
			kind: errorx.KindNotFound,
		},
		{
			name: "unknown hospital",
			req: func() *order.CreateRequest {
				r := oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1})
				r.HospitalID = "nope"
				return r
			},
			kind: errorx.KindNotFound,
		},
		{
			name: "unknown vet",
			req: func() *order.CreateRequest {
				r := oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1})
				r.VetID = "nope"
				return r
			},
			kind: errorx.KindNotFound,
		},
		{
			name: "missing 502b mapping",
			req: func() *order.CreateRequest {
				return oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1})
			},
			kind: errorx.KindRouting,
		},
		{
			name: "one-time order without contents",
			req: func() *order.CreateRequest {
				return oneTime()
			},
			kind: errorx.KindValidation,
		},
		{
			name: "subscription without plan",
			req: func() *order.CreateRequest {
				r := oneTime()
				r.Type = order.TypeSubscription
				return r
			},
			kind: errorx.KindValidation,
		},
		{
			name: "unknown plan",
			req: func() *order.CreateRequest {
				r := oneTime()
				r.Type = order.TypeSubscription
				r.TreatmentPlanID = "missing"
				return r
			},
			kind: errorx.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.kind == errorx.KindRouting {
				must502b(t, memory.NewCatalog(f.store))
			}

			_, err := f.svc.CreateOrder(context.Background(), tt.req())
			if !errorx.Is(err, tt.kind) {
				t.Fatalf("expected %s error, got %v", tt.kind, err)
			}
			if f.orders.MaxOrderNumber(context.Background()) != 0 {
				t.Error("order persisted despite failure")
			}
			if len(f.outbox.Events()) != 0 {
				t.Error("outbox written despite failure")
			}
			if len(f.notifier.kinds()) != 0 {
				t.Error("notification sent despite failure")
			}
		})
	}
}

// must502b marks product P as 502b so the hospital has no mapping for it
func must502b(t *testing.T, cat *memory.Catalog) {
	t.Helper()
	if err := cat.PutProduct(context.Background(), &catalog.Product{ID: "P", Type: "502b"}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateOrder_Subscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := oneTime()
	req.Type = order.TypeSubscription
	req.TreatmentPlanID = "PLAN"

	res, err := f.svc.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Subscription == nil || res.Order.SubscriptionID != res.Subscription.ID {
		t.Fatalf("subscription not linked: %+v", res.Subscription)
	}
	if res.Order.RegistrationStatus != order.RegistrationPending {
		t.Errorf("registration status = %q", res.Order.RegistrationStatus)
	}
	if len(res.Order.Contents) != 1 || res.Order.Contents[0].Strength != "10mg" {
		t.Errorf("contents not taken from first box: %+v", res.Order.Contents)
	}
	if !res.Order.TotalPrice.Equal(decimal.RequireFromString("33")) {
		t.Errorf("total = %s, want 33", res.Order.TotalPrice)
	}

	sub, err := f.subs.Get(ctx, res.Subscription.ID)
	if err != nil {
		t.Fatalf("subscription not persisted: %v", err)
	}
	if sub.Status != subscription.StatusActive || sub.UpcomingBoxNo != 2 || len(sub.FutureBoxes) != 3 {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if !sub.UpcomingShipmentDate.Equal(now.AddDate(0, 0, 90)) {
		t.Errorf("upcoming date = %s", sub.UpcomingShipmentDate)
	}

	var types []order.EventType
	for _, ev := range f.outbox.Events() {
		types = append(types, ev.EventType)
	}
	if len(types) != 2 || types[1] != order.EventSubscriptionCreated {
		t.Errorf("events = %v", types)
	}

	kinds := f.notifier.kinds()
	if kinds[len(kinds)-1] != notification.KindSubscriptionClient {
		t.Errorf("subscription confirmation not sent: %v", kinds)
	}
}

func TestCreateOrder_NotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true

	res, err := f.svc.CreateOrder(context.Background(), oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatalf("notification failure surfaced: %v", err)
	}
	if res.ConfirmationStatus != notification.StatusFailed {
		t.Errorf("confirmation = %s, want failed", res.ConfirmationStatus)
	}
	if _, err := f.orders.Get(context.Background(), res.Order.ID); err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
}

func TestCreateOrder_ConcurrentNumbersAreDistinct(t *testing.T) {
	f := newFixture(t)
	const n = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[int64]bool, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CreateOrder(context.Background(), oneTime(order.LineRequest{ProductID: "C1", Strength: "5ml", Quantity: 1}))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			numbers[res.Order.OrderNumber] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(numbers) != n {
		t.Fatalf("got %d distinct order numbers, want %d", len(numbers), n)
	}
}

func TestAdvanceStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Order.ID
	status := func(s order.Status) *order.Status { return &s }
	tracking := "1Z999"

	if _, err := f.svc.AdvanceStatus(ctx, "PH-C", id, order.StatusUpdate{Status: status(order.StatusShipped)}); !errorx.Is(err, errorx.KindNotFound) {
		t.Fatalf("other pharmacy: expected not_found, got %v", err)
	}

	updated, err := f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{Status: status(order.StatusShipped), TrackingNumber: &tracking})
	if err != nil || !updated {
		t.Fatalf("advance: %v, %v", updated, err)
	}
	kinds := f.notifier.kinds()
	if kinds[len(kinds)-1] != notification.KindShippingClient {
		t.Errorf("shipment notification not sent: %v", kinds)
	}

	updated, err = f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{Status: status(order.StatusShipped)})
	if err != nil || updated {
		t.Errorf("repeat update: %v, %v", updated, err)
	}

	if _, err := f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{Status: status(order.StatusPending)}); !errorx.Is(err, errorx.KindConflict) {
		t.Fatalf("regression: expected conflict, got %v", err)
	}

	stored, _ := f.orders.Get(ctx, id)
	if stored.Status != order.StatusShipped || stored.TrackingNumber != tracking {
		t.Errorf("stored %s/%s", stored.Status, stored.TrackingNumber)
	}

	// later status changes do not repeat the shipment notice
	sent := len(f.notifier.kinds())
	if updated, err := f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{Status: status(order.StatusDelivered), TrackingNumber: &tracking}); err != nil || !updated {
		t.Fatalf("deliver: %v, %v", updated, err)
	}
	if got := len(f.notifier.kinds()); got != sent {
		t.Errorf("%d notifications sent on delivery", got-sent)
	}

	corrected := "1Z000"
	if _, err := f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{TrackingNumber: &corrected}); err != nil {
		t.Fatal(err)
	}
	if kinds := f.notifier.kinds(); len(kinds) != sent+1 || kinds[sent] != notification.KindShippingClient {
		t.Errorf("changed tracking number not announced: %v", kinds)
	}
}

func TestAdvanceStatus_ConcurrentUpdatesNeverRegress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}
	id := res.Order.ID
	before := len(f.outbox.Events())

	targets := []order.Status{order.StatusProcessing, order.StatusShipped, order.StatusDelivered, order.StatusFulfilled}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for _, st := range targets {
			wg.Add(1)
			go func(st order.Status) {
				defer wg.Done()
				_, err := f.svc.AdvanceStatus(ctx, "PH-R", id, order.StatusUpdate{Status: &st})
				if err != nil && !errorx.Is(err, errorx.KindConflict) {
					t.Errorf("advance to %s: %v", st, err)
				}
			}(st)
		}
	}
	wg.Wait()

	stored, _ := f.orders.Get(ctx, id)
	if stored.Status != order.StatusFulfilled {
		t.Fatalf("status = %s, want fulfilled", stored.Status)
	}
	for _, ev := range f.outbox.Events()[before:] {
		var data order.StatusChangedData
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			t.Fatal(err)
		}
		if !data.From.Precedes(data.To) {
			t.Errorf("recorded transition %s -> %s", data.From, data.To)
		}
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Archive(ctx, res.Order.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := f.svc.Archive(ctx, res.Order.ID); !errorx.Is(err, errorx.KindConflict) {
		t.Fatalf("second archive: expected conflict, got %v", err)
	}
	if err := f.svc.Archive(ctx, "missing"); !errorx.Is(err, errorx.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	// archived numbers are never reissued
	next, err := f.svc.CreateOrder(ctx, oneTime(order.LineRequest{ProductID: "P", Strength: "10mg", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if next.Order.OrderNumber <= res.Order.OrderNumber {
		t.Errorf("number %d reissued after archive", next.Order.OrderNumber)
	}
}

func TestParseStatus(t *testing.T) {
	s, ok := order.ParseStatus("Shipped")
	if !ok || s != order.StatusShipped {
		t.Errorf("ParseStatus = %q, %v", s, ok)
	}
	if _, ok := order.ParseStatus("lost"); ok {
		t.Error("unknown status accepted")
	}
	if !order.StatusDelivered.Precedes(order.StatusFulfilled) || order.StatusShipped.Precedes(order.StatusProcessing) {
		t.Error("status ordering broken")
	}
}
