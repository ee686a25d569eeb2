// Package memory provides an in-process document store implementing every
// repository port. Documents are kept JSON-encoded so callers never share
// state with the store.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vetrx/fulfillment/internal/domain/order"
)

// ErrDuplicateOrderNumber is returned when an order number is reused
var ErrDuplicateOrderNumber = errors.New("duplicate order number")

const (
	collOrders        = "orders"
	collSubscriptions = "subscriptions"
	collPlans         = "treatment_plans"
	collHospitals     = "hospitals"
	collProducts      = "products"
	collClients       = "clients"
	collPatients      = "patients"
	collVets          = "vets"
	collPharmacies    = "pharmacies"
)

// Store holds all collections
type Store struct {
	mu      sync.RWMutex
	docs    map[string]map[string][]byte
	numbers map[int64]string
	outbox  []*order.Event
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		docs:    make(map[string]map[string][]byte),
		numbers: make(map[int64]string),
	}
}

// transaction-aware locking helpers
type txKey struct{}

func inTx(ctx context.Context) bool {
	b, _ := ctx.Value(txKey{}).(bool)
	return b
}

func (s *Store) rlock(ctx context.Context) {
	if !inTx(ctx) {
		s.mu.RLock()
	}
}

func (s *Store) runlock(ctx context.Context) {
	if !inTx(ctx) {
		s.mu.RUnlock()
	}
}

func (s *Store) wlock(ctx context.Context) {
	if !inTx(ctx) {
		s.mu.Lock()
	}
}

func (s *Store) wunlock(ctx context.Context) {
	if !inTx(ctx) {
		s.mu.Unlock()
	}
}

func (s *Store) put(coll, id string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	c, ok := s.docs[coll]
	if !ok {
		c = make(map[string][]byte)
		s.docs[coll] = c
	}
	c[id] = b
	return nil
}

func (s *Store) get(coll, id string, v interface{}) (bool, error) {
	b, ok := s.docs[coll][id]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return true, nil
}

func (s *Store) has(coll, id string) bool {
	_, ok := s.docs[coll][id]
	return ok
}

// Count returns the number of documents in a collection
func (s *Store) Count(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[coll])
}

type snapshot struct {
	docs    map[string]map[string][]byte
	numbers map[int64]string
	outbox  int
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		docs:    make(map[string]map[string][]byte, len(s.docs)),
		numbers: make(map[int64]string, len(s.numbers)),
		outbox:  len(s.outbox),
	}
	for name, c := range s.docs {
		cp := make(map[string][]byte, len(c))
		for id, b := range c {
			cp[id] = b
		}
		snap.docs[name] = cp
	}
	for n, id := range s.numbers {
		snap.numbers[n] = id
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.docs = snap.docs
	s.numbers = snap.numbers
	s.outbox = s.outbox[:snap.outbox]
}

// Tx implements order.TxManager over the store. A failed unit of work leaves
// no trace.
type Tx struct{ store *Store }

func NewTx(store *Store) *Tx { return &Tx{store: store} }

var _ order.TxManager = (*Tx)(nil)

func (t *Tx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	snap := t.store.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}
