// Package catalog holds the hospital formulary and product catalog read models
// used to price and route orders.
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("catalog record not found")

// ProductType drives pharmacy routing
type ProductType string

const (
	TypeOTC        ProductType = "OTC"
	TypeRetail     ProductType = "Retail"
	TypeCompounded ProductType = "Compounded"
	Type502b       ProductType = "502b"
)

// ParseProductType normalizes a stored product type. Stored values are
// matched case-insensitively.
func ParseProductType(s string) (ProductType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "otc":
		return TypeOTC, true
	case "retail":
		return TypeRetail, true
	case "compounded":
		return TypeCompounded, true
	case "502b":
		return Type502b, true
	}
	return "", false
}

// Variant is one priced strength or size of a formulary product
type Variant struct {
	Strength string          `json:"strength"`
	Price    decimal.Decimal `json:"price"`
}

// FormularyEntry maps a product to the hospital's price list
type FormularyEntry struct {
	ProductID        string          `json:"product_id"`
	Margin           decimal.Decimal `json:"margin"`
	AvailableOptions []Variant       `json:"available_options"`
}

// Variant returns the option whose strength matches key exactly
func (e *FormularyEntry) Variant(key string) (Variant, bool) {
	for _, v := range e.AvailableOptions {
		if v.Strength == key {
			return v, true
		}
	}
	return Variant{}, false
}

// Hospital is the subset of the hospital record the engine reads
type Hospital struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Formulary  []FormularyEntry       `json:"formulary"`
	Pharmacies map[ProductType]string `json:"pharmacies"`
	IsArchived bool                   `json:"is_archived"`
}

// Entry returns the formulary entry for a product
func (h *Hospital) Entry(productID string) (*FormularyEntry, bool) {
	for i := range h.Formulary {
		if h.Formulary[i].ProductID == productID {
			return &h.Formulary[i], true
		}
	}
	return nil, false
}

// Product is a global catalog entry
type Product struct {
	ID          string `json:"id"`
	ProductName string `json:"product_name"`
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
}

// Repository reads hospitals, formulary entries and products
type Repository interface {
	Hospital(ctx context.Context, id string) (*Hospital, error)
	FormularyEntry(ctx context.Context, hospitalID, productID string) (*FormularyEntry, error)
	Product(ctx context.Context, id string) (*Product, error)
}
