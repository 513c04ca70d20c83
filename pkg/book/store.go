package book

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// MarketLookup resolves pair parameters.
type MarketLookup interface {
	Get(pair market.Pair) (market.Params, error)
}

// RestingSource lists the resting orders of a pair.
type RestingSource interface {
	RestingByPair(pair market.Pair) []orders.Order
}

// Store holds the latest snapshot per pair. Snapshots are rebuilt wholesale
// and swapped in atomically; readers never see a partially built book.
type Store struct {
	markets MarketLookup
	feed    pricefeed.Feed
	resting RestingSource
	clock   util.Clock
	log     *zap.SugaredLogger

	mu    sync.RWMutex
	snaps map[market.Pair]*atomic.Pointer[Snapshot]
}

func NewStore(markets MarketLookup, feed pricefeed.Feed, resting RestingSource, clock util.Clock, log *zap.SugaredLogger) *Store {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Store{
		markets: markets,
		feed:    feed,
		resting: resting,
		clock:   clock,
		log:     util.OrNop(log),
		snaps:   make(map[market.Pair]*atomic.Pointer[Snapshot]),
	}
}

func (s *Store) slot(pair market.Pair) *atomic.Pointer[Snapshot] {
	s.mu.RLock()
	ptr, ok := s.snaps[pair]
	s.mu.RUnlock()
	if ok {
		return ptr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ptr, ok = s.snaps[pair]; !ok {
		ptr = new(atomic.Pointer[Snapshot])
		s.snaps[pair] = ptr
	}
	return ptr
}

// Refresh rebuilds the snapshot of pair and publishes it. When no price is
// available the previous snapshot (if any) is kept and returned with the error.
func (s *Store) Refresh(ctx context.Context, pair market.Pair) (*Snapshot, error) {
	params, err := s.markets.Get(pair)
	if err != nil {
		return nil, fmt.Errorf("refresh book: %w", err)
	}
	slot := s.slot(pair)

	q, err := s.feed.Price(ctx, pair)
	if err != nil {
		s.log.Debugw("book_refresh_skipped", "pair", pair.String(), "err", err)
		return slot.Load(), fmt.Errorf("refresh book %s: %w", pair, err)
	}

	var resting []orders.Order
	if s.resting != nil {
		resting = s.resting.RestingByPair(pair)
	}
	snap := Build(params, q, resting, s.clock.Now())
	slot.Store(snap)

	s.log.Debugw("book_refreshed", "pair", pair.String(), "mid", snap.MidPrice.String(),
		"bids", len(snap.Bids), "asks", len(snap.Asks), "resting", len(resting))
	return snap, nil
}

// Get returns the current snapshot, building one on demand for a cold pair.
func (s *Store) Get(ctx context.Context, pair market.Pair) (*Snapshot, error) {
	if snap, ok := s.Peek(pair); ok {
		return snap, nil
	}
	snap, err := s.Refresh(ctx, pair)
	if snap == nil {
		return nil, err
	}
	return snap, nil
}

// Peek returns the cached snapshot without building one.
func (s *Store) Peek(pair market.Pair) (*Snapshot, bool) {
	s.mu.RLock()
	ptr, ok := s.snaps[pair]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := ptr.Load()
	return snap, snap != nil
}
