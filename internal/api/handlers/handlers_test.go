package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vetrx/fulfillment/internal/api/handlers"
	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/notification"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/internal/domain/pricing"
	"github.com/vetrx/fulfillment/internal/domain/routing"
	"github.com/vetrx/fulfillment/internal/infrastructure/memory"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, *notification.Message) (*notification.Result, error) {
	return &notification.Result{Email: notification.StatusSent, SMS: notification.StatusSkipped}, nil
}

type fakePayments struct {
	receipt *payment.Receipt
	err     error
	got     *payment.CaptureRequest
}

func (p *fakePayments) Capture(_ context.Context, req *payment.CaptureRequest) (*payment.Receipt, error) {
	p.got = req
	return p.receipt, p.err
}

func newServer(t *testing.T, payments *fakePayments) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	cat := memory.NewCatalog(store)
	dir := memory.NewDirectory(store)

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
		},
		Pharmacies: map[catalog.ProductType]string{catalog.TypeRetail: "PH-R"},
	}))
	must(cat.PutProduct(ctx, &catalog.Product{ID: "P", ProductName: "Carprofen", Type: "retail"}))
	must(dir.Put(ctx, &directory.Client{ID: "CL", FirstName: "Ann", LastName: "Lee", Email: "ann@example.com"}))
	must(dir.Put(ctx, &directory.Patient{ID: "PT", Name: "Rex"}))
	must(dir.Put(ctx, &directory.Vet{ID: "V", FirstName: "Sam", LastName: "Ortiz"}))
	must(dir.Put(ctx, &directory.Pharmacy{ID: "PH-R", Name: "Main St Pharmacy", Email: "rx@example.com"}))

	svc := order.NewService(order.Deps{
		Orders:        memory.NewOrders(store),
		Subscriptions: memory.NewSubscriptions(store),
		Plans:         memory.NewPlans(store),
		Catalog:       cat,
		Directory:     dir,
		Pricer:        pricing.NewCalculator(catalog.NewResolver(cat, nil), nil),
		Router:        routing.NewRouter(),
		Sequencer:     memory.NewSequencer(0),
		Tx:            memory.NewTx(store),
		Outbox:        memory.NewOutbox(store),
		Notifier:      nopNotifier{},
		Clock:         func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) },
	}, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", handlers.NewOrderHandler(svc, payments, nil).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

const createBody = `{
	"vet_id": "V", "client_id": "CL", "patient_id": "PT", "hospital_id": "H",
	"order_type": "one_time",
	"order_contents": [{"product_id": "P", "strength": "10mg", "quantity": 2}],
	"shipping_method": "ground", "shipping_amount": 5, "tax": "3",
	"shipping_address": {"street_1": "1 Elm St", "city": "Austin", "state": "TX", "zip": "73301"}
}`

func TestCreateOrder_Created(t *testing.T) {
	srv := newServer(t, &fakePayments{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/orders", createBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["order_number"] != float64(order.FirstOrderNumber) {
		t.Errorf("order_number = %v", body["order_number"])
	}
	if body["client_name"] != "Ann Lee" || body["patient_name"] != "Rex" || body["vet_name"] != "Sam Ortiz" {
		t.Errorf("names = %v / %v / %v", body["client_name"], body["patient_name"], body["vet_name"])
	}
	if body["confirmation_status"] != notification.StatusSent {
		t.Errorf("confirmation_status = %v", body["confirmation_status"])
	}
	if _, ok := body["subscription_id"]; ok {
		t.Error("one-time order must not carry a subscription id")
	}

	resp, got := do(t, http.MethodGet, srv.URL+"/api/v1/orders/"+body["order_id"].(string), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if total := decimal.RequireFromString(got["total_price"].(string)); !total.Equal(decimal.RequireFromString("58")) {
		t.Errorf("total_price = %v, want 58", got["total_price"])
	}
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	srv := newServer(t, &fakePayments{})

	tests := []struct {
		name string
		body string
		want int
		kind string
	}{
		{"malformed", `{`, http.StatusBadRequest, "validation"},
		{"missing fields", `{"order_type":"one_time"}`, http.StatusBadRequest, "validation"},
		{"negative quantity", strings.Replace(createBody, `"quantity": 2`, `"quantity": -1`, 1), http.StatusBadRequest, "validation"},
		{"unknown client", strings.Replace(createBody, `"CL"`, `"nobody"`, 1), http.StatusNotFound, "not_found"},
		{"off formulary", strings.Replace(createBody, `"10mg"`, `"20mg"`, 1), http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/orders", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body = %v", resp.StatusCode, tt.want, body)
			}
			if body["kind"] != tt.kind {
				t.Errorf("kind = %v, want %s", body["kind"], tt.kind)
			}
		})
	}
}

func TestPharmacyUpdate_AndArchive(t *testing.T) {
	srv := newServer(t, &fakePayments{})
	_, created := do(t, http.MethodPost, srv.URL+"/api/v1/orders", createBody)
	id := created["order_id"].(string)
	updateURL := srv.URL + "/api/v1/pharmacies/PH-R/orders/" + id

	resp, body := do(t, http.MethodPut, updateURL, `{"order_status":"Shipped","tracking_number":"1Z999"}`)
	if resp.StatusCode != http.StatusOK || body["updated"] != true {
		t.Fatalf("update = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPut, updateURL, `{"order_status":"shipped"}`)
	if resp.StatusCode != http.StatusOK || body["updated"] != false {
		t.Fatalf("repeat update = %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPut, updateURL, `{"order_status":"pending"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("regression status = %d, want 409", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPut, updateURL, `{"order_status":"lost"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status = %d, want 400", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPut, srv.URL+"/api/v1/pharmacies/OTHER/orders/"+id, `{"order_status":"delivered"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign pharmacy status = %d, want 404", resp.StatusCode)
	}

	if resp, _ := do(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+id, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("archive status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/api/v1/orders/"+id, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second archive status = %d, want 409", resp.StatusCode)
	}
}

const cardBody = `{"card_number":"4111111111111111","card_expiry_month":"12","card_expiry_year":"2030","cvv":"123","cardholder_name":"Ann Lee"}`

func TestCapturePayment(t *testing.T) {
	tests := []struct {
		name    string
		receipt *payment.Receipt
		err     error
		want    int
	}{
		{"charged", &payment.Receipt{ReferenceNumber: "REF-1"}, nil, http.StatusOK},
		{"registration incomplete", &payment.Receipt{ReferenceNumber: "REF-1"},
			fmt.Errorf("%w: %w", payment.ErrRegistrationIncomplete, errors.New("timeout")), http.StatusAccepted},
		{"declined", nil, errorx.PaymentDeclined("insufficient funds"), http.StatusPaymentRequired},
		{"gateway down", nil, errorx.ExternalService(errors.New("503"), "charge"), http.StatusBadGateway},
		{"capture in progress", nil, errorx.Conflict("payment for order 100001 is already in progress"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &fakePayments{receipt: tt.receipt, err: tt.err}
			srv := newServer(t, payments)

			resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/orders/O-1/payments", cardBody)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body = %v", resp.StatusCode, tt.want, body)
			}
			if payments.got.OrderID != "O-1" || payments.got.Card.CVV != "123" {
				t.Errorf("capture request = %+v", payments.got)
			}
			if tt.receipt != nil && body["reference_number"] != "REF-1" {
				t.Errorf("reference_number = %v", body["reference_number"])
			}
		})
	}
}

func TestReady(t *testing.T) {
	reg := circuitbreaker.NewRegistry()
	cb, _ := circuitbreaker.New(circuitbreaker.DefaultConfig("payment-gateway"), nil)
	reg.Register(cb)

	h := handlers.NewHealthHandler("fulfillment-api", "test", reg)
	h.AddCheck("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"payment-gateway"`)) {
		t.Fatalf("ready = %d %s", rec.Code, rec.Body)
	}

	h.AddCheck("redpanda", func(context.Context) error { return errors.New("no brokers") })
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing check = %d", rec.Code)
	}
}
