package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	amount      NUMERIC NOT NULL,
	filled      NUMERIC NOT NULL,
	remaining   NUMERIC NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_owner_idx ON orders (owner);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status);

CREATE TABLE IF NOT EXISTS fills (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES orders (id),
	pair          TEXT NOT NULL,
	side          TEXT NOT NULL,
	price         NUMERIC NOT NULL,
	amount        NUMERIC NOT NULL,
	tx_hash       TEXT NOT NULL DEFAULT '',
	block_number  BIGINT NOT NULL DEFAULT 0,
	ts            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_pair_ts_idx ON fills (pair, ts DESC);
`

const upsertOrder = `
INSERT INTO orders (id, owner, pair, side, kind, status, amount, filled, remaining, created_at, updated_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	kind = EXCLUDED.kind,
	filled = EXCLUDED.filled,
	remaining = EXCLUDED.remaining,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`

const insertFill = `
INSERT INTO fills (id, order_id, pair, side, price, amount, tx_hash, block_number, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

// PostgresStore wraps a PostgreSQL connection pool
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore initializes the pool and applies the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s := &PostgresStore{Pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func orderArgs(o orders.Order) ([]any, error) {
	doc, err := encodeJSON(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	return []any{
		o.ID, o.Owner, o.Pair.String(), string(o.Side), string(o.Kind), string(o.Status),
		o.Amount.String(), o.Filled.String(), o.Remaining.String(),
		o.CreatedAt, o.UpdatedAt, doc,
	}, nil
}

// Persist upserts the order row.
func (s *PostgresStore) Persist(ctx context.Context, o orders.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, upsertOrder, args...); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// RecordFill upserts the order and inserts the fill in one transaction.
func (s *PostgresStore) RecordFill(ctx context.Context, o orders.Order, f orders.Fill) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertOrder, args...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertFill,
			f.ID, f.OrderID, f.Pair.String(), string(f.Side), f.Price.String(), f.Amount.String(),
			f.Settlement.TxHash, int64(f.Settlement.BlockNumber), f.Timestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}
	return nil
}

// LoadOrders returns every stored order, oldest first.
func (s *PostgresStore) LoadOrders(ctx context.Context) ([]orders.Order, error) {
	rows, err := s.Pool.Query(ctx, "SELECT doc FROM orders ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var o orders.Order
		if err := decodeJSON(doc, &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadRecentFills loads the most recent fills of a pair, oldest first.
func (s *PostgresStore) LoadRecentFills(ctx context.Context, pair market.Pair, limit int) ([]orders.Fill, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, order_id, side, price::text, amount::text, tx_hash, block_number, ts
		FROM fills WHERE pair = $1 ORDER BY ts DESC LIMIT $2`, pair.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load fills: %w", err)
	}
	defer rows.Close()

	var fills []orders.Fill
	for rows.Next() {
		var (
			f             orders.Fill
			side          string
			price, amount string
			block         int64
			ts            time.Time
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &side, &price, &amount, &f.Settlement.TxHash, &block, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Pair = pair
		f.Side = orders.Side(side)
		f.Timestamp = ts
		f.Settlement.BlockNumber = uint64(block)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill %s price: %w", f.ID, err)
		}
		if f.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("fill %s amount: %w", f.ID, err)
		}
		f.Settlement.ExecutedPrice = f.Price
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return fills, nil
}

var _ orders.Persistence = (*PostgresStore)(nil)
