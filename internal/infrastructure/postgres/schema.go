package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// documentTables hold one JSONB document per row
var documentTables = []string{
	"subscriptions",
	"treatment_plans",
	"hospitals",
	"products",
	"clients",
	"patients",
	"vets",
	"pharmacies",
}

const ordersDDL = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	order_number BIGINT NOT NULL,
	doc          JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT orders_order_number_key UNIQUE (order_number)
)`

const countersDDL = `
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
)`

// seedCounter records the last issued order number so a migrated database
// continues its sequence.
const seedCounter = `
INSERT INTO counters (name, value)
SELECT 'order_number', COALESCE(MAX(order_number), $1::bigint - 1) FROM orders
ON CONFLICT (name) DO NOTHING`

const outboxDDL = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	event_id       TEXT NOT NULL UNIQUE,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	topic          TEXT NOT NULL,
	key            TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT,
	dead_lettered  BOOLEAN NOT NULL DEFAULT FALSE
)`

const outboxIndexDDL = `
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE processed_at IS NULL`

const inboxDDL = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	attempt_count   INT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at    TIMESTAMPTZ
)`

// Statements returns the schema DDL in execution order. The counter seed
// takes the first order number as its only argument.
func Statements() []string {
	stmts := []string{ordersDDL}
	for _, t := range documentTables {
		stmts = append(stmts, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t))
	}
	return append(stmts, countersDDL, outboxDDL, outboxIndexDDL, inboxDDL)
}

// Migrate creates the schema if missing and seeds the order number counter
func Migrate(ctx context.Context, pool *pgxpool.Pool, firstOrderNumber int64, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, stmt := range Statements() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, seedCounter, firstOrderNumber); err != nil {
		return fmt.Errorf("seed order counter: %w", err)
	}
	logger.Info("schema migrated", zap.Int("statements", len(Statements())+1))
	return nil
}
