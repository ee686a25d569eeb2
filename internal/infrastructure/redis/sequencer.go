// Package redis provides a Redis-backed order number sequencer.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vetrx/fulfillment/internal/domain/order"
)

// DefaultKey holds the last issued order number
const DefaultKey = "fulfillment:order_number"

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Sequencer allocates order numbers with INCR on a single key
type Sequencer struct {
	client redis.Cmdable
	key    string
	first  int64
}

// Connect opens a client and verifies it with PING
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewSequencer creates a sequencer on key. An empty key uses DefaultKey.
func NewSequencer(client redis.Cmdable, key string) *Sequencer {
	if key == "" {
		key = DefaultKey
	}
	return &Sequencer{client: client, key: key, first: order.FirstOrderNumber}
}

var _ order.Sequencer = (*Sequencer)(nil)

// Next seeds the key once so the first INCR yields the first order number
func (s *Sequencer) Next(ctx context.Context) (int64, error) {
	if err := s.client.SetNX(ctx, s.key, s.first-1, 0).Err(); err != nil {
		return 0, fmt.Errorf("seed order number: %w", err)
	}
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return n, nil
}

// Resume raises the counter to at least last so numbers continue after
// orders created by another backend. It never lowers the counter.
func (s *Sequencer) Resume(ctx context.Context, last int64) error {
	const script = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur < tonumber(ARGV[1]) then redis.call('SET', KEYS[1], ARGV[1]) end
return 0`
	if err := s.client.Eval(ctx, script, []string{s.key}, last).Err(); err != nil {
		return fmt.Errorf("resume order number: %w", err)
	}
	return nil
}
