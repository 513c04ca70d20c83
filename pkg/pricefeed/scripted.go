package pricefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// ScriptedSource replays a fixed price sequence per pair. Each Fetch advances
// one step; the last price repeats once the script runs out. A pair with no
// script is not available. Intended for deterministic tests and demos.
type ScriptedSource struct {
	mu      sync.Mutex
	scripts map[market.Pair][]decimal.Decimal
	pos     map[market.Pair]int
	fails   map[market.Pair]error
	calls   int
}

func NewScriptedSource() *ScriptedSource {
	return &ScriptedSource{
		scripts: make(map[market.Pair][]decimal.Decimal),
		pos:     make(map[market.Pair]int),
		fails:   make(map[market.Pair]error),
	}
}

// Script sets the sequence for pair and rewinds it.
func (s *ScriptedSource) Script(pair market.Pair, prices ...string) *ScriptedSource {
	seq := make([]decimal.Decimal, len(prices))
	for i, p := range prices {
		seq[i] = decimal.RequireFromString(p)
	}
	s.mu.Lock()
	s.scripts[pair] = seq
	s.pos[pair] = 0
	s.mu.Unlock()
	return s
}

// Fail makes every Fetch for pair return err until cleared with a nil err.
func (s *ScriptedSource) Fail(pair market.Pair, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, pair)
		return
	}
	s.fails[pair] = err
}

// Calls reports how many Fetch calls were made.
func (s *ScriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedSource) Fetch(_ context.Context, pair market.Pair) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if err := s.fails[pair]; err != nil {
		return Quote{}, err
	}
	seq := s.scripts[pair]
	if len(seq) == 0 {
		return Quote{}, fmt.Errorf("scripted %s: %w", pair, ErrNotAvailable)
	}
	i := s.pos[pair]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	s.pos[pair] = i + 1
	return withBand(Quote{Pair: pair, Price: seq[i]}), nil
}
