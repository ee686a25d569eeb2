package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

type stubRepo struct {
	hospitals map[string]*Hospital
	err       error
}

func (s *stubRepo) Hospital(_ context.Context, id string) (*Hospital, error) {
	if h, ok := s.hospitals[id]; ok {
		return h, nil
	}
	return nil, ErrNotFound
}

func (s *stubRepo) FormularyEntry(ctx context.Context, hospitalID, productID string) (*FormularyEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	h, err := s.Hospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	e, ok := h.Entry(productID)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *stubRepo) Product(context.Context, string) (*Product, error) { return nil, ErrNotFound }

func newStub() *stubRepo {
	return &stubRepo{hospitals: map[string]*Hospital{
		"h1": {
			ID: "h1",
			Formulary: []FormularyEntry{{
				ProductID: "p1",
				AvailableOptions: []Variant{
					{Strength: "10mg", Price: decimal.RequireFromString("25.00")},
					{Strength: "20mg", Price: decimal.RequireFromString("40.50")},
				},
			}},
		},
	}}
}

func TestResolve(t *testing.T) {
	r := NewResolver(newStub(), nil)

	price, err := r.Resolve(context.Background(), "h1", "p1", "20mg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("40.50")) {
		t.Errorf("price = %s, want 40.50", price)
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := NewResolver(newStub(), nil)

	tests := []struct {
		name                          string
		hospital, product, variantKey string
	}{
		{"unknown hospital", "h2", "p1", "10mg"},
		{"product not on formulary", "h1", "p9", "10mg"},
		{"variant missing", "h1", "p1", "5mg"},
		{"variant match is case-sensitive", "h1", "p1", "10MG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.hospital, tt.product, tt.variantKey)
			if !errorx.Is(err, errorx.KindNotFound) {
				t.Fatalf("expected not_found, got %v", err)
			}
		})
	}
}

func TestResolve_StoreFailureIsNotNotFound(t *testing.T) {
	repo := newStub()
	repo.err = errors.New("connection reset")
	r := NewResolver(repo, nil)

	_, err := r.Resolve(context.Background(), "h1", "p1", "10mg")
	if err == nil || errorx.Is(err, errorx.KindNotFound) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestParseProductType(t *testing.T) {
	for in, want := range map[string]ProductType{
		"otc": TypeOTC, "OTC": TypeOTC, "Retail": TypeRetail,
		"compounded": TypeCompounded, "502B": Type502b,
	} {
		got, ok := ParseProductType(in)
		if !ok || got != want {
			t.Errorf("ParseProductType(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseProductType("vitamin"); ok {
		t.Error("expected unknown type to be rejected")
	}
}
