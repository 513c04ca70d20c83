package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// PebbleStore keeps orders and fills in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Persist writes the order's current state.
func (s *PebbleStore) Persist(_ context.Context, o orders.Order) error {
	data, err := encodeJSON(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// RecordFill writes the fill and the order state it produced atomically.
func (s *PebbleStore) RecordFill(_ context.Context, o orders.Order, f orders.Fill) error {
	od, err := encodeJSON(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	fd, err := encodeJSON(f)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), od, nil); err != nil {
		return err
	}
	if err := b.Set(fillKey(f.Pair, f.Timestamp, f.ID), fd, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}
	return nil
}

// LoadOrder loads one order. Returns orders.ErrNotFound if absent.
func (s *PebbleStore) LoadOrder(id string) (orders.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o orders.Order
	if err := decodeJSON(data, &o); err != nil {
		return orders.Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return o, nil
}

// LoadOrders returns every stored order, oldest first.
func (s *PebbleStore) LoadOrders(_ context.Context) ([]orders.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	defer iter.Close()

	var out []orders.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o orders.Order
		if err := decodeJSON(iter.Value(), &o); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadRecentFills loads the most recent fills of a pair, oldest first.
func (s *PebbleStore) LoadRecentFills(_ context.Context, pair market.Pair, limit int) ([]orders.Fill, error) {
	prefix := fillPrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan fills: %w", err)
	}
	defer iter.Close()

	var fills []orders.Fill
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var f orders.Fill
		if err := decodeJSON(iter.Value(), &f); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
	return fills, nil
}

var _ orders.Persistence = (*PebbleStore)(nil)
