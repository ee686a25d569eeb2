// Package pricing turns formulary-resolved line items into order totals.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

// MoneyPlaces is the number of decimal places currency amounts are stored with
const MoneyPlaces = 2

// PriceResolver returns a hospital-specific unit price
type PriceResolver interface {
	Resolve(ctx context.Context, hospitalID, productID, variantKey string) (decimal.Decimal, error)
}

// Line is a line item to be priced
type Line struct {
	ProductID string
	Variant   string
	Quantity  int
}

// PricedLine is a line with its resolved unit price
type PricedLine struct {
	Line
	UnitPrice decimal.Decimal
}

// Quote is the outcome of pricing an order
type Quote struct {
	Lines    []PricedLine
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// Calculator prices orders
type Calculator struct {
	resolver PriceResolver
	logger   *zap.Logger
}

// NewCalculator creates a pricing calculator
func NewCalculator(resolver PriceResolver, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{resolver: resolver, logger: logger}
}

// Price resolves every line against the hospital formulary and computes the
// subtotal and total. Sums are exact; subtotal and total are rounded once,
// half away from zero. Any unresolvable line fails the whole quote.
func (c *Calculator) Price(ctx context.Context, hospitalID string, lines []Line, tax, shipping decimal.Decimal) (*Quote, error) {
	if len(lines) == 0 {
		return nil, errorx.Validation("order has no line items")
	}
	if tax.IsNegative() {
		return nil, errorx.Validation("tax must not be negative").
			WithDetails(errorx.Detail{Path: "tax", Info: "min=0"})
	}
	if shipping.IsNegative() {
		return nil, errorx.Validation("shipping amount must not be negative").
			WithDetails(errorx.Detail{Path: "shipping_amount", Info: "min=0"})
	}

	quote := &Quote{
		Lines:    make([]PricedLine, 0, len(lines)),
		Tax:      tax,
		Shipping: shipping,
	}
	subtotal := decimal.Zero
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, errorx.Validation("line %d: quantity must be positive", i).
				WithDetails(errorx.Detail{Path: fmt.Sprintf("order_contents[%d].quantity", i), Info: "gt=0"})
		}
		unit, err := c.resolver.Resolve(ctx, hospitalID, line.ProductID, line.Variant)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		subtotal = subtotal.Add(unit.Mul(decimal.NewFromInt(int64(line.Quantity))))
		quote.Lines = append(quote.Lines, PricedLine{Line: line, UnitPrice: unit})
	}

	quote.Subtotal = subtotal.Round(MoneyPlaces)
	quote.Total = quote.Subtotal.Add(tax).Add(shipping).Round(MoneyPlaces)

	c.logger.Debug("order priced",
		zap.String("hospital_id", hospitalID),
		zap.Int("lines", len(lines)),
		zap.String("subtotal", quote.Subtotal.StringFixed(MoneyPlaces)),
		zap.String("total", quote.Total.StringFixed(MoneyPlaces)))

	return quote, nil
}
