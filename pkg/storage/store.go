// Package storage persists orders and fills and reloads them on start.
package storage

import (
	"context"
	"fmt"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Store is a durable backend: it accepts writes and can reload them.
type Store interface {
	orders.Persistence
	LoadOrders(ctx context.Context) ([]orders.Order, error)
	LoadRecentFills(ctx context.Context, pair market.Pair, limit int) ([]orders.Fill, error)
	Close() error
}

// Options selects and configures the primary backend.
type Options struct {
	Backend     string
	PebblePath  string
	PostgresURL string
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewInMemoryStore(), nil
	case BackendPebble:
		s, err := NewPebbleStore(opts.PebblePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
