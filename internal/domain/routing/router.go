// Package routing selects the fulfillment pharmacy for an order.
package routing

import (
	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

// Decision is the routing outcome. PharmacyID is nil for OTC-only orders.
type Decision struct {
	PharmacyID *string
	Category   catalog.ProductType
}

// Routed reports whether the order goes to a pharmacy
func (d Decision) Routed() bool { return d.PharmacyID != nil }

// Router applies the hospital's pharmacy mapping
type Router struct{}

// NewRouter creates a router
func NewRouter() *Router { return &Router{} }

// Category picks the fulfillment category for a set of product types.
// 502b wins over Compounded, Compounded over Retail; OTC-only needs no pharmacy.
func Category(types []catalog.ProductType) (catalog.ProductType, error) {
	if len(types) == 0 {
		return "", errorx.Validation("order has no product types to route")
	}
	seen := make(map[catalog.ProductType]bool, len(types))
	for _, t := range types {
		seen[t] = true
	}
	switch {
	case len(seen) == 1 && seen[catalog.TypeOTC]:
		return catalog.TypeOTC, nil
	case seen[catalog.Type502b]:
		return catalog.Type502b, nil
	case seen[catalog.TypeCompounded]:
		return catalog.TypeCompounded, nil
	default:
		return catalog.TypeRetail, nil
	}
}

// Route returns the pharmacy that fulfills an order with the given product
// types. A missing mapping for the selected category is a routing error.
func (r *Router) Route(hospital *catalog.Hospital, types []catalog.ProductType) (Decision, error) {
	category, err := Category(types)
	if err != nil {
		return Decision{}, err
	}
	if category == catalog.TypeOTC {
		return Decision{Category: category}, nil
	}

	id, ok := hospital.Pharmacies[category]
	if !ok || id == "" {
		return Decision{}, errorx.Routing("hospital %s has no %s pharmacy configured", hospital.ID, category)
	}
	return Decision{PharmacyID: &id, Category: category}, nil
}
