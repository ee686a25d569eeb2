package errorx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := NotFound("order %s", "abc")
	wrapped := fmt.Errorf("load order: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("KindOf = %v, want %v", got, KindNotFound)
	}
	if !Is(wrapped, KindNotFound) {
		t.Error("expected Is to match not_found")
	}
	if Is(nil, KindNotFound) {
		t.Error("nil error must not match any kind")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf = %v, want internal", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindRouting, http.StatusUnprocessableEntity},
		{KindPaymentDeclined, http.StatusPaymentRequired},
		{KindExternalService, http.StatusBadGateway},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalService(cause, "charge order %d", 100001)

	if err.Error() != "external_service: charge order 100001: connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable with errors.Is")
	}
}

func TestDetailsOf(t *testing.T) {
	err := fmt.Errorf("decode: %w", Validation("invalid request").WithDetails(Detail{Path: "tax", Info: "required"}))
	details := DetailsOf(err)
	if len(details) != 1 || details[0].Path != "tax" {
		t.Fatalf("unexpected details %+v", details)
	}
}
