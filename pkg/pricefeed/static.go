package pricefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// StaticSource serves fixed prices. Prices can be moved with Set, which is how
// the demo simulates market movement.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[market.Pair]Quote
}

func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[market.Pair]Quote)}
}

// NewStaticSourceFromMarkets seeds one quote per registered pair from its
// seed price. Pairs without a seed price are left unpriced.
func NewStaticSourceFromMarkets(params []market.Params) *StaticSource {
	s := NewStaticSource()
	for _, p := range params {
		if p.SeedPrice.IsPositive() {
			s.Set(p.Pair, p.SeedPrice)
		}
	}
	return s
}

// Set replaces the price of pair and keeps any 24h stats already recorded.
func (s *StaticSource) Set(pair market.Pair, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[pair]
	q.Pair = pair
	q.Price = price
	q.High24h = decimal.Zero
	q.Low24h = decimal.Zero
	s.quotes[pair] = withBand(q)
}

// SetStats records the 24h change (percent) and volume reported for pair.
func (s *StaticSource) SetStats(pair market.Pair, change24h, volume24h decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[pair]
	q.Pair = pair
	q.Change24h = change24h
	q.Volume24h = volume24h
	s.quotes[pair] = q
}

func (s *StaticSource) Fetch(_ context.Context, pair market.Pair) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pair]
	if !ok || !q.Price.IsPositive() {
		return Quote{}, fmt.Errorf("static %s: %w", pair, ErrNotAvailable)
	}
	return q, nil
}
