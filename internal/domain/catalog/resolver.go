package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

// Resolver looks up hospital-specific unit prices
type Resolver struct {
	repo   Repository
	logger *zap.Logger
}

// NewResolver creates a formulary resolver
func NewResolver(repo Repository, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{repo: repo, logger: logger}
}

// Resolve returns the unit price of a product variant in a hospital's
// formulary. A missing formulary entry or variant is a NotFound error.
func (r *Resolver) Resolve(ctx context.Context, hospitalID, productID, variantKey string) (decimal.Decimal, error) {
	entry, err := r.repo.FormularyEntry(ctx, hospitalID, productID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, errorx.Wrap(errorx.KindNotFound, err,
				"product %s is not on the formulary of hospital %s", productID, hospitalID)
		}
		return decimal.Zero, fmt.Errorf("load formulary entry: %w", err)
	}

	variant, ok := entry.Variant(variantKey)
	if !ok {
		r.logger.Debug("formulary variant missing",
			zap.String("hospital_id", hospitalID),
			zap.String("product_id", productID),
			zap.String("variant", variantKey))
		return decimal.Zero, errorx.NotFound("variant %q of product %s is not on the formulary of hospital %s",
			variantKey, productID, hospitalID)
	}
	return variant.Price, nil
}
