package pricefeed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/util"
)

type entry struct {
	quote     Quote
	fetchedAt time.Time
}

// Cached is a Feed backed by a Source with a short TTL cache.
//
// Concurrent misses for one pair share a single fetch. Each fetch runs under
// FetchTimeout. When the source fails, the last cached quote is served stale;
// with no cache the call fails with ErrNotAvailable.
type Cached struct {
	src          Source
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        util.Clock
	log          *zap.SugaredLogger

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[market.Pair]entry
}

func NewCached(src Source, ttl, fetchTimeout time.Duration, clock util.Clock, log *zap.SugaredLogger) *Cached {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Cached{
		src:          src,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		clock:        clock,
		log:          util.OrNop(log),
		entries:      make(map[market.Pair]entry),
	}
}

func (c *Cached) lookup(pair market.Pair) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[pair]
	return e, ok
}

// Price returns the cached quote when fresh, otherwise fetches one.
func (c *Cached) Price(ctx context.Context, pair market.Pair) (Quote, error) {
	cached, have := c.lookup(pair)
	if have && c.clock.Now().Sub(cached.fetchedAt) < c.ttl {
		return cached.quote, nil
	}
	if c.src == nil {
		if have {
			return cached.quote, nil
		}
		return Quote{}, fmt.Errorf("price %s: no source: %w", pair, ErrNotAvailable)
	}

	ch := c.group.DoChan(pair.String(), func() (any, error) {
		return c.fetch(ctx, pair)
	})

	var fetchErr error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Quote), nil
		}
		fetchErr = res.Err
	case <-ctx.Done():
		fetchErr = ctx.Err()
	}

	if have {
		c.log.Warnw("price_stale", "pair", pair.String(), "age", c.clock.Now().Sub(cached.fetchedAt), "err", fetchErr)
		return cached.quote, nil
	}
	return Quote{}, fmt.Errorf("price %s: %w: %w", pair, ErrNotAvailable, fetchErr)
}

func (c *Cached) fetch(ctx context.Context, pair market.Pair) (Quote, error) {
	// Detached from the first caller's cancellation: other waiters share this fetch.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	q, err := c.src.Fetch(fctx, pair)
	if err != nil {
		return Quote{}, err
	}
	now := c.clock.Now()
	q.Pair = pair
	if q.AsOf.IsZero() {
		q.AsOf = now
	}

	c.mu.Lock()
	c.entries[pair] = entry{quote: q, fetchedAt: now}
	c.mu.Unlock()

	c.log.Debugw("price_fetched", "pair", pair.String(), "price", q.Price.String())
	return q, nil
}

// Snapshot returns every cached quote, ordered by pair, without fetching.
func (c *Cached) Snapshot() []Quote {
	c.mu.RLock()
	out := make([]Quote, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.quote)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out
}

// Invalidate drops the cached quote for pair.
func (c *Cached) Invalidate(pair market.Pair) {
	c.mu.Lock()
	delete(c.entries, pair)
	c.mu.Unlock()
}
