package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrx/fulfillment/internal/domain/order"
)

const orderNumberCounter = "order_number"

// Sequencer allocates order numbers from a counter row. The upsert is a
// single atomic statement so concurrent callers never share a value.
type Sequencer struct {
	pool *pgxpool.Pool
}

func NewSequencer(pool *pgxpool.Pool) *Sequencer { return &Sequencer{pool: pool} }

var _ order.Sequencer = (*Sequencer)(nil)

func (s *Sequencer) Next(ctx context.Context) (int64, error) {
	var n int64
	err := conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO counters (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		RETURNING value`, orderNumberCounter, order.FirstOrderNumber).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return n, nil
}
