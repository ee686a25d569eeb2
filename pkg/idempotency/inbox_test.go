package idempotency

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("retry-registration", "evt-1")
	if a != GenerateKey("retry-registration", "evt-1") {
		t.Error("key must be deterministic")
	}
	if a == GenerateKey("retry-registration", "evt-2") {
		t.Error("different messages must not share a key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errorx.Validation("bad"), true},
		{errorx.NotFound("order %s not found", "x"), true},
		{errorx.Conflict("done"), true},
		{errorx.PaymentDeclined("nope"), true},
		{fmt.Errorf("wrapped: %w", errorx.Validation("bad")), true},
		{errorx.ExternalService(errors.New("timeout"), "gateway"), false},
		{errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		if got := IsTerminal(tc.err); got != tc.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
