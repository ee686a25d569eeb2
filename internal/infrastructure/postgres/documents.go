package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrx/fulfillment/internal/domain/catalog"
	"github.com/vetrx/fulfillment/internal/domain/directory"
	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/subscription"
)

// ErrDuplicateOrderNumber is returned when an order number is reused
var ErrDuplicateOrderNumber = errors.New("duplicate order number")

// getDoc loads the JSONB document of a row. found is false when no row matches.
func getDoc(ctx context.Context, q querier, table, id string, v interface{}) (found bool, err error) {
	var raw []byte
	err = q.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s %s: %w", table, id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return true, nil
}

// updateDoc replaces a document. found is false when no row matches.
func updateDoc(ctx context.Context, q querier, table, id string, v interface{}) (found bool, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = $2, updated_at = NOW() WHERE id = $1`, table), id, raw)
	if err != nil {
		return false, fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// upsertDoc inserts or replaces a document
func upsertDoc(ctx context.Context, q querier, table, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, table)
	if _, err := q.Exec(ctx, query, id, raw); err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	return nil
}

// OrderRepository stores orders as documents with an indexed order number
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

var _ order.Repository = (*OrderRepository)(nil)

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO orders (id, order_number, doc) VALUES ($1, $2, $3)`,
		o.ID, o.OrderNumber, raw)
	if isUniqueViolation(err, "orders_order_number_key") {
		return fmt.Errorf("order %d: %w", o.OrderNumber, ErrDuplicateOrderNumber)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	var o order.Order
	found, err := getDoc(ctx, conn(ctx, r.pool), "orders", id, &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

// GetForUpdate reads the order with a row lock held until the surrounding
// transaction ends
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	var raw []byte
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT doc FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %s for update: %w", id, err)
	}
	var o order.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", id, err)
	}
	return &o, nil
}

// Update writes the order only when the stored version matches o.Version
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	q := conn(ctx, r.pool)
	prev := o.Version
	o.Version = prev + 1
	raw, err := json.Marshal(o)
	if err != nil {
		o.Version = prev
		return fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	tag, err := q.Exec(ctx, `
		UPDATE orders SET doc = $2, updated_at = NOW()
		WHERE id = $1 AND COALESCE((doc->>'version')::bigint, 0) = $3`,
		o.ID, raw, prev)
	if err != nil {
		o.Version = prev
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	o.Version = prev

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check order %s: %w", o.ID, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return fmt.Errorf("order %s at version %d: %w", o.ID, prev, order.ErrConcurrentUpdate)
}

// MaxOrderNumber returns the highest order number issued, or zero
func (r *OrderRepository) MaxOrderNumber(ctx context.Context) (int64, error) {
	var n int64
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(MAX(order_number), 0) FROM orders`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max order number: %w", err)
	}
	return n, nil
}

// SubscriptionRepository stores subscriptions and reads treatment plans
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

var (
	_ subscription.Repository     = (*SubscriptionRepository)(nil)
	_ subscription.PlanRepository = (*SubscriptionRepository)(nil)
)

func (r *SubscriptionRepository) Create(ctx context.Context, s *subscription.Subscription) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if _, err := conn(ctx, r.pool).Exec(ctx, `INSERT INTO subscriptions (id, doc) VALUES ($1, $2)`, s.ID, raw); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	var s subscription.Subscription
	found, err := getDoc(ctx, conn(ctx, r.pool), "subscriptions", id, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, subscription.ErrNotFound
	}
	return &s, nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, s *subscription.Subscription) error {
	found, err := updateDoc(ctx, conn(ctx, r.pool), "subscriptions", s.ID, s)
	if err != nil {
		return err
	}
	if !found {
		return subscription.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) GetPlan(ctx context.Context, id string) (*subscription.TreatmentPlan, error) {
	var p subscription.TreatmentPlan
	found, err := getDoc(ctx, conn(ctx, r.pool), "treatment_plans", id, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, subscription.ErrPlanNotFound
	}
	return &p, nil
}

// CatalogRepository reads hospitals and products
type CatalogRepository struct {
	pool *pgxpool.Pool
}

func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

var _ catalog.Repository = (*CatalogRepository)(nil)

func (r *CatalogRepository) Hospital(ctx context.Context, id string) (*catalog.Hospital, error) {
	var h catalog.Hospital
	found, err := getDoc(ctx, conn(ctx, r.pool), "hospitals", id, &h)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, catalog.ErrNotFound
	}
	return &h, nil
}

// FormularyEntry selects a single formulary element without loading the
// whole hospital document.
func (r *CatalogRepository) FormularyEntry(ctx context.Context, hospitalID, productID string) (*catalog.FormularyEntry, error) {
	var raw []byte
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT e
		FROM hospitals h, jsonb_array_elements(h.doc->'formulary') AS e
		WHERE h.id = $1 AND e->>'product_id' = $2
		LIMIT 1`, hospitalID, productID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select formulary entry: %w", err)
	}
	var e catalog.FormularyEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode formulary entry: %w", err)
	}
	return &e, nil
}

func (r *CatalogRepository) Product(ctx context.Context, id string) (*catalog.Product, error) {
	var p catalog.Product
	found, err := getDoc(ctx, conn(ctx, r.pool), "products", id, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

// PutHospital upserts a hospital document
func (r *CatalogRepository) PutHospital(ctx context.Context, h *catalog.Hospital) error {
	return upsertDoc(ctx, conn(ctx, r.pool), "hospitals", h.ID, h)
}

// PutProduct upserts a product document
func (r *CatalogRepository) PutProduct(ctx context.Context, p *catalog.Product) error {
	return upsertDoc(ctx, conn(ctx, r.pool), "products", p.ID, p)
}

// DirectoryRepository reads party records
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

var _ directory.Directory = (*DirectoryRepository)(nil)

func (r *DirectoryRepository) lookup(ctx context.Context, table, id string, v interface{}) error {
	found, err := getDoc(ctx, conn(ctx, r.pool), table, id, v)
	if err != nil {
		return err
	}
	if !found {
		return directory.ErrNotFound
	}
	return nil
}

func (r *DirectoryRepository) Client(ctx context.Context, id string) (*directory.Client, error) {
	var c directory.Client
	if err := r.lookup(ctx, "clients", id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *DirectoryRepository) Patient(ctx context.Context, id string) (*directory.Patient, error) {
	var p directory.Patient
	if err := r.lookup(ctx, "patients", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *DirectoryRepository) Vet(ctx context.Context, id string) (*directory.Vet, error) {
	var v directory.Vet
	if err := r.lookup(ctx, "vets", id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *DirectoryRepository) Pharmacy(ctx context.Context, id string) (*directory.Pharmacy, error) {
	var p directory.Pharmacy
	if err := r.lookup(ctx, "pharmacies", id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
