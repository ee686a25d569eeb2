package memory

import (
	"context"

	"go.uber.org/atomic"

	"github.com/vetrx/fulfillment/internal/domain/order"
)

// Sequencer issues order numbers from an in-process atomic counter
type Sequencer struct {
	last *atomic.Int64
}

// NewSequencer creates a sequencer whose first number is after last. A last
// below the start value begins at order.FirstOrderNumber.
func NewSequencer(last int64) *Sequencer {
	if last < order.FirstOrderNumber-1 {
		last = order.FirstOrderNumber - 1
	}
	return &Sequencer{last: atomic.NewInt64(last)}
}

var _ order.Sequencer = (*Sequencer)(nil)

func (s *Sequencer) Next(context.Context) (int64, error) {
	return s.last.Inc(), nil
}
