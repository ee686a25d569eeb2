package memory

import (
	"context"
	"fmt"

	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
)

// Orders implements order.Repository
type Orders struct{ store *Store }

func NewOrders(store *Store) *Orders { return &Orders{store: store} }

var _ order.Repository = (*Orders)(nil)

func (r *Orders) Create(ctx context.Context, o *order.Order) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	if id, taken := r.store.numbers[o.OrderNumber]; taken {
		return fmt.Errorf("order %d already used by %s: %w", o.OrderNumber, id, ErrDuplicateOrderNumber)
	}
	if r.store.has(collOrders, o.ID) {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if err := r.store.put(collOrders, o.ID, o); err != nil {
		return err
	}
	r.store.numbers[o.OrderNumber] = o.ID
	return nil
}

func (r *Orders) Get(ctx context.Context, id string) (*order.Order, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var o order.Order
	ok, err := r.store.get(collOrders, id, &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

// GetForUpdate reads the order. Inside a unit of work the whole store is
// already held by the transaction.
func (r *Orders) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.Get(ctx, id)
}

func (r *Orders) Update(ctx context.Context, o *order.Order) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	var stored struct {
		Version int64 `json:"version"`
	}
	ok, err := r.store.get(collOrders, o.ID, &stored)
	if err != nil {
		return err
	}
	if !ok {
		return order.ErrNotFound
	}
	if stored.Version != o.Version {
		return fmt.Errorf("order %s at version %d, have %d: %w", o.ID, stored.Version, o.Version, order.ErrConcurrentUpdate)
	}
	o.Version++
	if err := r.store.put(collOrders, o.ID, o); err != nil {
		o.Version--
		return err
	}
	return nil
}

// MaxOrderNumber returns the highest order number stored, or zero
func (r *Orders) MaxOrderNumber(ctx context.Context) int64 {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var highest int64
	for n := range r.store.numbers {
		if n > highest {
			highest = n
		}
	}
	return highest
}

// Subscriptions implements subscription.Repository
type Subscriptions struct{ store *Store }

func NewSubscriptions(store *Store) *Subscriptions { return &Subscriptions{store: store} }

var _ subscription.Repository = (*Subscriptions)(nil)

func (r *Subscriptions) Create(ctx context.Context, s *subscription.Subscription) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	if r.store.has(collSubscriptions, s.ID) {
		return fmt.Errorf("subscription %s already exists", s.ID)
	}
	return r.store.put(collSubscriptions, s.ID, s)
}

func (r *Subscriptions) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var s subscription.Subscription
	ok, err := r.store.get(collSubscriptions, id, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return &s, nil
}

func (r *Subscriptions) Update(ctx context.Context, s *subscription.Subscription) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	if !r.store.has(collSubscriptions, s.ID) {
		return subscription.ErrNotFound
	}
	return r.store.put(collSubscriptions, s.ID, s)
}

// Plans implements subscription.PlanRepository
type Plans struct{ store *Store }

func NewPlans(store *Store) *Plans { return &Plans{store: store} }

var _ subscription.PlanRepository = (*Plans)(nil)

func (r *Plans) GetPlan(ctx context.Context, id string) (*subscription.TreatmentPlan, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var p subscription.TreatmentPlan
	ok, err := r.store.get(collPlans, id, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, subscription.ErrPlanNotFound
	}
	return &p, nil
}

func (r *Plans) Put(ctx context.Context, p *subscription.TreatmentPlan) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	return r.store.put(collPlans, p.ID, p)
}

// Catalog implements catalog.Repository
type Catalog struct{ store *Store }

func NewCatalog(store *Store) *Catalog { return &Catalog{store: store} }

var _ catalog.Repository = (*Catalog)(nil)

func (r *Catalog) Hospital(ctx context.Context, id string) (*catalog.Hospital, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var h catalog.Hospital
	ok, err := r.store.get(collHospitals, id, &h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &h, nil
}

func (r *Catalog) FormularyEntry(ctx context.Context, hospitalID, productID string) (*catalog.FormularyEntry, error) {
	h, err := r.Hospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	e, ok := h.Entry(productID)
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return e, nil
}

func (r *Catalog) Product(ctx context.Context, id string) (*catalog.Product, error) {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	var p catalog.Product
	ok, err := r.store.get(collProducts, id, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (r *Catalog) PutHospital(ctx context.Context, h *catalog.Hospital) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	return r.store.put(collHospitals, h.ID, h)
}

func (r *Catalog) PutProduct(ctx context.Context, p *catalog.Product) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	return r.store.put(collProducts, p.ID, p)
}

// Directory implements directory.Directory
type Directory struct{ store *Store }

func NewDirectory(store *Store) *Directory { return &Directory{store: store} }

var _ directory.Directory = (*Directory)(nil)

func (r *Directory) lookup(ctx context.Context, coll, id string, v interface{}) error {
	r.store.rlock(ctx)
	defer r.store.runlock(ctx)
	ok, err := r.store.get(coll, id, v)
	if err != nil {
		return err
	}
	if !ok {
		return directory.ErrNotFound
	}
	return nil
}

func (r *Directory) Client(ctx context.Context, id string) (*directory.Client, error) {
	var c directory.Client
	if err := r.lookup(ctx, collClients, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Directory) Patient(ctx context.Context, id string) (*directory.Patient, error) {
	var p directory.Patient
	if err := r.lookup(ctx, collPatients, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Directory) Vet(ctx context.Context, id string) (*directory.Vet, error) {
	var v directory.Vet
	if err := r.lookup(ctx, collVets, id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *Directory) Pharmacy(ctx context.Context, id string) (*directory.Pharmacy, error) {
	var p directory.Pharmacy
	if err := r.lookup(ctx, collPharmacies, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Put stores a client, patient, vet or pharmacy record
func (r *Directory) Put(ctx context.Context, record interface{}) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	switch rec := record.(type) {
	case *directory.Client:
		return r.store.put(collClients, rec.ID, rec)
	case *directory.Patient:
		return r.store.put(collPatients, rec.ID, rec)
	case *directory.Vet:
		return r.store.put(collVets, rec.ID, rec)
	case *directory.Pharmacy:
		return r.store.put(collPharmacies, rec.ID, rec)
	default:
		return fmt.Errorf("unsupported directory record %T", record)
	}
}

// Outbox implements order.Outbox and keeps events in append order
type Outbox struct{ store *Store }

func NewOutbox(store *Store) *Outbox { return &Outbox{store: store} }

var _ order.Outbox = (*Outbox)(nil)

func (r *Outbox) Append(ctx context.Context, ev *order.Event) error {
	r.store.wlock(ctx)
	defer r.store.wunlock(ctx)
	cp := *ev
	r.store.outbox = append(r.store.outbox, &cp)
	return nil
}

// Events returns a copy of the appended events
func (r *Outbox) Events() []*order.Event {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*order.Event, len(r.store.outbox))
	copy(out, r.store.outbox)
	return out
}
