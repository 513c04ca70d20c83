package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/util"
)

var qie = market.MustParsePair("QIE/USDT")

func newClock() *util.ManualClock {
	return util.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestCachedServesWithinTTL(t *testing.T) {
	src := NewScriptedSource().Script(qie, "0.13", "0.125")
	clock := newClock()
	feed := NewCached(src, 5*time.Second, time.Second, clock, nil)
	ctx := context.Background()

	q, err := feed.Price(ctx, qie)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.13")))

	clock.Advance(4 * time.Second)
	q, err = feed.Price(ctx, qie)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.13")), "still cached")
	assert.Equal(t, 1, src.Calls())

	clock.Advance(time.Second)
	q, err = feed.Price(ctx, qie)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.125")))
	assert.Equal(t, 2, src.Calls())
}

func TestCachedFallsBackToStale(t *testing.T) {
	src := NewScriptedSource().Script(qie, "0.12")
	clock := newClock()
	feed := NewCached(src, time.Second, time.Second, clock, nil)
	ctx := context.Background()

	_, err := feed.Price(ctx, qie)
	require.NoError(t, err)

	src.Fail(qie, errors.New("oracle down"))
	clock.Advance(time.Minute)

	q, err := feed.Price(ctx, qie)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.12")))
}

func TestCachedNotAvailable(t *testing.T) {
	feed := NewCached(NewScriptedSource(), time.Second, time.Second, newClock(), nil)
	_, err := feed.Price(context.Background(), qie)
	assert.ErrorIs(t, err, ErrNotAvailable)

	noSource := NewCached(nil, time.Second, time.Second, newClock(), nil)
	_, err = noSource.Price(context.Background(), qie)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

type slowSource struct {
	calls atomic.Int32
	block chan struct{}
}

func (s *slowSource) Fetch(ctx context.Context, pair market.Pair) (Quote, error) {
	s.calls.Add(1)
	select {
	case <-s.block:
		return Quote{Pair: pair, Price: decimal.NewFromInt(2)}, nil
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
}

func TestCachedFetchTimeout(t *testing.T) {
	src := &slowSource{block: make(chan struct{})}
	feed := NewCached(src, time.Second, 20*time.Millisecond, nil, nil)

	start := time.Now()
	_, err := feed.Price(context.Background(), qie)
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCachedCoalescesConcurrentMisses(t *testing.T) {
	src := &slowSource{block: make(chan struct{})}
	feed := NewCached(src, time.Minute, time.Second, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := feed.Price(context.Background(), qie)
			assert.NoError(t, err)
			assert.True(t, q.Price.Equal(decimal.NewFromInt(2)))
		}()
	}
	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	require.Len(t, feed.Snapshot(), 1)
}

func TestCachedCallerContext(t *testing.T) {
	src := &slowSource{block: make(chan struct{})}
	defer close(src.block)
	feed := NewCached(src, time.Second, time.Minute, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := feed.Price(ctx, qie)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSourceFromMarkets([]market.Params{
		{Pair: qie, SeedPrice: decimal.RequireFromString("0.1234")},
		{Pair: market.MustParsePair("ETH/USDT")},
	})

	q, err := src.Fetch(context.Background(), qie)
	require.NoError(t, err)
	assert.True(t, q.High24h.Equal(decimal.RequireFromString("0.12957")))
	assert.True(t, q.Low24h.Equal(decimal.RequireFromString("0.11723")))

	_, err = src.Fetch(context.Background(), market.MustParsePair("ETH/USDT"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	src.Set(qie, decimal.RequireFromString("0.2"))
	q, err = src.Fetch(context.Background(), qie)
	require.NoError(t, err)
	assert.True(t, q.High24h.Equal(decimal.RequireFromString("0.21")))
}

func TestScriptedSourceRepeatsLast(t *testing.T) {
	src := NewScriptedSource().Script(qie, "1", "2")
	var got []string
	for i := 0; i < 4; i++ {
		q, err := src.Fetch(context.Background(), qie)
		require.NoError(t, err)
		got = append(got, q.Price.String())
	}
	assert.Equal(t, []string{"1", "2", "2", "2"}, got)
}

type fakeQuoter struct {
	in   *big.Int
	path []common.Address
	out  *big.Int
}

func (f *fakeQuoter) AmountsOut(_ context.Context, in *big.Int, path []common.Address) ([]*big.Int, error) {
	f.in, f.path = in, path
	return []*big.Int{in, f.out}, nil
}

func TestRouterSource(t *testing.T) {
	reg := market.NewRegistry()
	base := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	quote := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.NoError(t, reg.Register(market.Params{
		Pair: qie, BaseToken: base, QuoteToken: quote,
		BaseDecimals: 18, QuoteDecimals: 6, TickBps: 1, Levels: 20,
		SyntheticDepth: decimal.NewFromInt(1000),
	}))

	// 0.1234 USDT with 6 decimals
	q := &fakeQuoter{out: big.NewInt(123400)}
	src := NewRouterSource(q, reg)

	got, err := src.Fetch(context.Background(), qie)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.1234")))
	assert.Equal(t, decimal.New(1, 18).BigInt(), q.in)
	assert.Equal(t, []common.Address{base, quote}, q.path)

	_, err = src.Fetch(context.Background(), market.MustParsePair("BTC/USDT"))
	assert.Error(t, err)
}
