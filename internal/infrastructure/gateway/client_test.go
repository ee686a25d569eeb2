package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

var card = payment.CardDetails{
	Number:      "4111111111111111",
	ExpiryMonth: "7",
	ExpiryYear:  "2030",
	CVV:         "123",
	HolderName:  "Ann Lee",
}

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig(srv.URL)
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Timeout = time.Hour
	c, err := New(cfg, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCharge_Success(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transactionsPath || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["credit_card_number"] != card.Number || body["order_id"] != "o1" {
			t.Errorf("body = %v", body)
		}
		if body["amount"] != 58.0 {
			t.Errorf("amount = %v, want number 58", body["amount"])
		}
		json.NewEncoder(w).Encode(map[string]string{"message": "approved", "reference_number": "REF-1"})
	})

	res, err := c.Charge(context.Background(), &payment.ChargeRequest{
		OrderID: "o1", OrderNumber: 100001, Amount: decimal.RequireFromString("58"), Card: card,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReferenceNumber != "REF-1" || res.Message != "approved" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCharge_DeclineDoesNotTripBreaker(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"message": "insufficient funds"})
	})

	for i := 0; i < 4; i++ {
		_, err := c.Charge(context.Background(), &payment.ChargeRequest{OrderID: "o1", Amount: decimal.NewFromInt(1), Card: card})
		if !errorx.Is(err, errorx.KindPaymentDeclined) {
			t.Fatalf("attempt %d: expected decline, got %v", i, err)
		}
	}
	if c.Breaker().State() != "closed" {
		t.Fatalf("breaker state = %s", c.Breaker().State())
	}
}

func TestCharge_UnexpectedClientErrorsAreProcessorFailures(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits int64
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt64(&hits, 1)
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{"message": "invalid api credentials"})
			})

			for i := 0; i < 3; i++ {
				_, err := c.Charge(context.Background(), &payment.ChargeRequest{OrderID: "o1", Amount: decimal.NewFromInt(1), Card: card})
				if !errorx.Is(err, errorx.KindExternalService) {
					t.Fatalf("attempt %d: expected external service error, got %v", i, err)
				}
			}
			if c.Breaker().State() != "open" {
				t.Fatalf("breaker state = %s, want open", c.Breaker().State())
			}
			if hits != 2 {
				t.Fatalf("processor hit %d times, want 2", hits)
			}
		})
	}
}

func TestCharge_ServerErrorsOpenBreaker(t *testing.T) {
	var hits int64
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		_, err := c.Charge(context.Background(), &payment.ChargeRequest{OrderID: "o1", Amount: decimal.NewFromInt(1), Card: card})
		if !errorx.Is(err, errorx.KindExternalService) {
			t.Fatalf("attempt %d: expected external service error, got %v", i, err)
		}
	}
	if hits != 2 {
		t.Fatalf("processor hit %d times, want 2 before the breaker opened", hits)
	}
}

func TestRegisterCustomer_TokenizedProfile(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != customersPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["credit_card"]; ok {
			t.Error("tokenized profile must not carry a card")
		}
		if body["payment_token"] != "REF-1" || body["description"] != "Ann Lee Order number 100001" {
			t.Errorf("body = %v", body)
		}
		addr := body["address"].(map[string]interface{})
		if addr["firstName"] != "Ann" {
			t.Errorf("address = %v", addr)
		}
		json.NewEncoder(w).Encode(map[string]string{"customer_code": "CUST-9"})
	})

	code, err := c.RegisterCustomer(context.Background(), &payment.BillingProfile{
		Address:      payment.BillingContact{FirstName: "Ann", LastName: "Lee"},
		PaymentToken: "REF-1",
		Amount:       decimal.NewFromInt(33),
		NextCharge:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Description:  "Ann Lee Order number 100001",
	})
	if err != nil || code != "CUST-9" {
		t.Fatalf("code = %q, err = %v", code, err)
	}
}

func TestRegisterCustomer_WithCard(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CreditCard creditCard `json:"credit_card"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.CreditCard.CardName != "Visa" || body.CreditCard.ExpiryDate != "7/2030" {
			t.Errorf("card = %+v", body.CreditCard)
		}
		json.NewEncoder(w).Encode(map[string]string{})
	})

	c2 := card
	_, err := c.RegisterCustomer(context.Background(), &payment.BillingProfile{Card: &c2})
	if !errorx.Is(err, errorx.KindExternalService) {
		t.Fatalf("missing customer code must be an external service error, got %v", err)
	}
}
