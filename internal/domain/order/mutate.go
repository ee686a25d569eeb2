package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/vetrx/fulfillment/pkg/errorx"
)

// ErrNoChange is returned by a Mutate callback to leave the order as stored
var ErrNoChange = errors.New("order unchanged")

// Mutate applies fn to the latest stored order while holding its lock, then
// stores the order and appends the events fn returned in the same unit of
// work. An error from fn aborts the unit of work and is returned as is. When
// fn returns ErrNoChange nothing is written and the stored order is returned.
func Mutate(ctx context.Context, tx TxManager, orders Repository, outbox Outbox, id string,
	fn func(o *Order) ([]*Event, error)) (*Order, error) {
	var out *Order
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := orders.GetForUpdate(ctx, id)
		if err != nil {
			return lookupErr(err, ErrNotFound, "order", id)
		}
		events, err := fn(o)
		if errors.Is(err, ErrNoChange) {
			out = o
			return nil
		}
		if err != nil {
			return err
		}
		if err := orders.Update(ctx, o); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				return errorx.Wrap(errorx.KindConflict, err, "order %s was modified concurrently", id)
			}
			return fmt.Errorf("update order %s: %w", id, err)
		}
		for _, ev := range events {
			if err := outbox.Append(ctx, ev); err != nil {
				return fmt.Errorf("append %s: %w", ev.EventType, err)
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
