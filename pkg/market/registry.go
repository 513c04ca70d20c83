package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrUnknownPair is returned for pairs that were never registered.
var ErrUnknownPair = errors.New("unknown pair")

// Status defines the trading status of a pair
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // Matching halted, new orders rejected
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Params holds everything the engine needs to know about one pair.
type Params struct {
	Pair Pair

	// Token contracts used to build the swap path. Zero when settlement is simulated.
	BaseToken     common.Address
	QuoteToken    common.Address
	BaseDecimals  int32
	QuoteDecimals int32

	// Book shape: tick width in basis points of the mid price (1 = 0.01%),
	// synthetic levels per side and the depth of the innermost level.
	TickBps        int64
	Levels         int
	SyntheticDepth decimal.Decimal

	// SeedPrice feeds the static price source.
	SeedPrice decimal.Decimal

	Status Status
}

// Validate checks parameter sanity
func (p Params) Validate() error {
	if p.Pair.IsZero() {
		return fmt.Errorf("pair cannot be empty")
	}
	if p.TickBps <= 0 {
		return fmt.Errorf("%s: tick bps must be positive", p.Pair)
	}
	if p.Levels <= 0 {
		return fmt.Errorf("%s: levels must be positive", p.Pair)
	}
	if !p.SyntheticDepth.IsPositive() {
		return fmt.Errorf("%s: synthetic depth must be positive", p.Pair)
	}
	if p.SeedPrice.IsNegative() {
		return fmt.Errorf("%s: seed price cannot be negative", p.Pair)
	}
	if p.BaseDecimals < 0 || p.QuoteDecimals < 0 {
		return fmt.Errorf("%s: decimals cannot be negative", p.Pair)
	}
	return nil
}

// Registry manages the tradable pairs in a thread-safe manner
type Registry struct {
	mu    sync.RWMutex
	pairs map[Pair]*Params
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[Pair]*Params)}
}

// Register adds a pair. Returns error if it is invalid or already registered.
func (r *Registry) Register(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pairs[p.Pair]; exists {
		return fmt.Errorf("pair %s already registered", p.Pair)
	}
	cp := p
	r.pairs[p.Pair] = &cp
	return nil
}

// Get returns a copy of the pair's params.
func (r *Registry) Get(pair Pair) (Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.pairs[pair]
	if !exists {
		return Params{}, fmt.Errorf("pair %s: %w", pair, ErrUnknownPair)
	}
	return *p, nil
}

// List returns all pairs sorted by symbol.
func (r *Registry) List() []Params {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Params, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pair.String() < out[j].Pair.String()
	})
	return out
}

// Pairs returns the registered pair keys sorted by symbol.
func (r *Registry) Pairs() []Pair {
	params := r.List()
	out := make([]Pair, len(params))
	for i, p := range params {
		out[i] = p.Pair
	}
	return out
}

// Exists checks if a pair is registered
func (r *Registry) Exists(pair Pair) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pairs[pair]
	return exists
}

// IsActive reports whether the pair is registered and accepting orders.
func (r *Registry) IsActive(pair Pair) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.pairs[pair]
	return exists && p.Status == Active
}

// SetStatus pauses or resumes a pair.
func (r *Registry) SetStatus(pair Pair, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.pairs[pair]
	if !exists {
		return fmt.Errorf("pair %s: %w", pair, ErrUnknownPair)
	}
	p.Status = status
	return nil
}

// Count returns the number of registered pairs
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
