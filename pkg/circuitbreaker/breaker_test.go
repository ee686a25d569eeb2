package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDeclined = errors.New("declined")

func newBreaker(t *testing.T) *CircuitBreaker {
	t.Helper()
	cfg := DefaultConfig("gateway")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errDeclined) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cb
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newBreaker(t)
	ctx := context.Background()
	boom := errors.New("503")

	for i := 0; i < 2; i++ {
		if _, err := Call(ctx, cb, func() (string, error) { return "", boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	_, err := Call(ctx, cb, func() (string, error) { called = true; return "ok", nil })
	if !IsOpenError(err) || called {
		t.Fatalf("open breaker must reject without calling: err=%v called=%v", err, called)
	}
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	cb := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := Call(ctx, cb, func() (int, error) { return 0, errDeclined }); !errors.Is(err, errDeclined) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}

	v, err := Call(ctx, cb, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Call = %d, %v", v, err)
	}
}

func TestRegistry_Health(t *testing.T) {
	reg := NewRegistry()
	a, _ := New(DefaultConfig("notifier"), nil)
	b, _ := New(DefaultConfig("gateway"), nil)
	reg.Register(a)
	reg.Register(b)

	health := reg.Health()
	if len(health) != 2 || health[0].Name != "gateway" || health[1].Name != "notifier" {
		t.Fatalf("health = %+v", health)
	}
	for _, h := range health {
		if !h.Healthy || h.State != StateClosed {
			t.Errorf("%s should be healthy", h.Name)
		}
	}
}
