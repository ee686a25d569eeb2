package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/vetrx/fulfillment/internal/domain/notification"
)

type recorder struct {
	mu     sync.Mutex
	emails []emailPayload
	sms    []smsPayload
}

func newClient(t *testing.T, rec *recorder, failSMS bool) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		switch r.URL.Path {
		case emailPath:
			var p emailPayload
			json.NewDecoder(r.Body).Decode(&p)
			rec.emails = append(rec.emails, p)
		case smsPath:
			if failSMS {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var p smsPayload
			json.NewDecoder(r.Body).Decode(&p)
			rec.sms = append(rec.sms, p)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL + "/")
	cfg.Templates[notification.KindOrderClient] = "tpl-order-client"
	c, err := New(cfg, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func orderMessage() *notification.Message {
	return &notification.Message{
		Kind:          notification.KindOrderClient,
		Recipient:     notification.Recipient{Name: "Ann Lee", Email: "ann@example.com", Phone: "+15550100"},
		Subject:       "Order confirmation",
		Substitutions: map[string]string{"{name}": "Ann Lee", "{order}": "100001"},
		SMSText:       "Dear Ann Lee, you have a new order no100001. For more details, log in.",
	}
}

func TestSend_EmailAndSMS(t *testing.T) {
	rec := &recorder{}
	c := newClient(t, rec, false)

	res, err := c.Send(context.Background(), orderMessage())
	if err != nil {
		t.Fatal(err)
	}
	if res.Email != notification.StatusSent || res.SMS != notification.StatusSent || !res.Delivered() {
		t.Fatalf("result = %+v", res)
	}
	if len(rec.emails) != 1 || len(rec.sms) != 1 {
		t.Fatalf("emails=%d sms=%d", len(rec.emails), len(rec.sms))
	}
	e := rec.emails[0]
	if e.TemplateID != "tpl-order-client" || e.ToEmail != "ann@example.com" || e.Substitutions["{order}"] != "100001" {
		t.Errorf("email payload = %+v", e)
	}
	if rec.sms[0].To != "+15550100" {
		t.Errorf("sms payload = %+v", rec.sms[0])
	}
}

func TestSend_ChannelFailureReportedNotReturned(t *testing.T) {
	rec := &recorder{}
	c := newClient(t, rec, true)

	res, err := c.Send(context.Background(), orderMessage())
	if err != nil {
		t.Fatalf("a failed channel must not be an error: %v", err)
	}
	if res.Email != notification.StatusSent || res.SMS != notification.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	if res.Delivered() {
		t.Error("partial failure must not count as delivered")
	}
}

func TestSend_SkipsMissingAddresses(t *testing.T) {
	rec := &recorder{}
	c := newClient(t, rec, false)

	msg := orderMessage()
	msg.Recipient.Phone = ""
	msg.TemplateID = "explicit"
	res, err := c.Send(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if res.SMS != notification.StatusSkipped || res.Email != notification.StatusSent {
		t.Fatalf("result = %+v", res)
	}
	if rec.emails[0].TemplateID != "explicit" {
		t.Errorf("explicit template id must win, got %s", rec.emails[0].TemplateID)
	}
}
