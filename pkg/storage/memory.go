package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// InMemoryStore is the volatile backend: state survives only as long as the
// process.
type InMemoryStore struct {
	mu     sync.Mutex
	orders map[string]orders.Order
	fills  map[market.Pair][]orders.Fill
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders: make(map[string]orders.Order),
		fills:  make(map[market.Pair][]orders.Fill),
	}
}

func (s *InMemoryStore) Persist(_ context.Context, o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *InMemoryStore) RecordFill(_ context.Context, o orders.Order, f orders.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	s.fills[f.Pair] = append(s.fills[f.Pair], f)
	return nil
}

func (s *InMemoryStore) LoadOrders(_ context.Context) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) LoadRecentFills(_ context.Context, pair market.Pair, limit int) ([]orders.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.fills[pair]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]orders.Fill(nil), list...), nil
}

func (s *InMemoryStore) Close() error { return nil }
