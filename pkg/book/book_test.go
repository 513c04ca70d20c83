package book

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/util"
)

var qie = market.MustParsePair("QIE/USDT")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func params() market.Params {
	return market.Params{
		Pair:           qie,
		TickBps:        10, // 0.1%
		Levels:         5,
		SyntheticDepth: d("100"),
	}
}

func quote(price string) pricefeed.Quote {
	return pricefeed.Quote{Pair: qie, Price: d(price)}
}

func limitOrder(side orders.Side, price, remaining string) orders.Order {
	lp := d(price)
	return orders.Order{
		ID: price + string(side), Pair: qie, Side: side, Kind: orders.Limit,
		Amount: d(remaining), Remaining: d(remaining), Filled: decimal.Zero,
		LimitPrice: &lp, Status: orders.StatusOpen,
	}
}

func assertConsistent(t *testing.T, s *Snapshot) {
	t.Helper()
	require.NotEmpty(t, s.Bids)
	require.NotEmpty(t, s.Asks)
	for i := 1; i < len(s.Bids); i++ {
		assert.True(t, s.Bids[i].Price.LessThan(s.Bids[i-1].Price), "bids strictly descending at %d", i)
		assert.True(t, s.Bids[i].Total.GreaterThanOrEqual(s.Bids[i-1].Total))
	}
	for i := 1; i < len(s.Asks); i++ {
		assert.True(t, s.Asks[i].Price.GreaterThan(s.Asks[i-1].Price), "asks strictly ascending at %d", i)
		assert.True(t, s.Asks[i].Total.GreaterThanOrEqual(s.Asks[i-1].Total))
	}
	for _, l := range append(append([]Level{}, s.Bids...), s.Asks...) {
		assert.True(t, l.Price.IsPositive())
		assert.True(t, l.Amount.IsPositive())
		assert.GreaterOrEqual(t, l.Orders, 1)
	}
	assert.False(t, s.Spread.IsNegative())
}

func TestBuildSyntheticOnly(t *testing.T) {
	s := Build(params(), quote("100"), nil, time.Unix(0, 0))
	assertConsistent(t, s)

	require.Len(t, s.Bids, 5)
	require.Len(t, s.Asks, 5)
	assert.True(t, s.Bids[0].Price.Equal(d("99.9")))
	assert.True(t, s.Asks[0].Price.Equal(d("100.1")))
	assert.True(t, s.Spread.Equal(d("0.2")))
	assert.True(t, s.Bids[4].Total.Equal(d("1500")), "100+200+300+400+500")
}

func TestBuildLayersRestingOrders(t *testing.T) {
	resting := []orders.Order{
		limitOrder(orders.Sell, "100.15", "7"),   // ask bucket 2
		limitOrder(orders.Buy, "99.8", "998"),    // bid bucket 2, 10 base units
		limitOrder(orders.Buy, "99", "99"),       // bid bucket 10, beyond synthetic levels
		limitOrder(orders.Buy, "101", "101"),     // crossing buy stays at bucket 1
	}
	s := Build(params(), quote("100"), resting, time.Unix(0, 0))
	assertConsistent(t, s)

	assert.True(t, s.Asks[1].Price.Equal(d("100.2")))
	assert.True(t, s.Asks[1].Amount.Equal(d("207")))
	assert.Equal(t, 2, s.Asks[1].Orders)

	assert.True(t, s.Bids[1].Amount.Equal(d("210")))
	assert.True(t, s.Bids[0].Amount.Equal(d("101")))

	require.Len(t, s.Bids, 6, "an extra level for the far order")
	last := s.Bids[len(s.Bids)-1]
	assert.True(t, last.Price.Equal(d("99")))
	assert.True(t, last.Amount.Equal(d("1")))
	assert.Equal(t, 1, last.Orders)
}

func TestBuildIgnoresNonLimitAndForeignOrders(t *testing.T) {
	stop := limitOrder(orders.Sell, "100.15", "7")
	stop.Kind = orders.StopLimit
	other := limitOrder(orders.Sell, "100.15", "7")
	other.Pair = market.MustParsePair("ETH/USDT")
	done := limitOrder(orders.Sell, "100.15", "7")
	done.Status = orders.StatusFilled

	s := Build(params(), quote("100"), []orders.Order{stop, other, done}, time.Unix(0, 0))
	assert.True(t, s.Asks[1].Amount.Equal(d("200")))
}

func TestBuildKeepsBidsPositive(t *testing.T) {
	p := params()
	p.TickBps = 2500 // 25% steps
	s := Build(p, quote("1"), []orders.Order{limitOrder(orders.Buy, "0.01", "1")}, time.Unix(0, 0))
	assertConsistent(t, s)
	assert.Len(t, s.Bids, 3)
}

func TestBuildDropsDustBeyondLadder(t *testing.T) {
	// 1e-9 USDT at 99 is below 8dp of base once converted
	dust := limitOrder(orders.Buy, "99", "0.000000001")
	s := Build(params(), quote("100"), []orders.Order{dust}, time.Unix(0, 0))
	assertConsistent(t, s)
	assert.Len(t, s.Bids, 5)
}

func TestStoreRefreshAndGet(t *testing.T) {
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(params()))
	src := pricefeed.NewScriptedSource().Script(qie, "100", "200")
	clock := util.NewManualClock(time.Unix(1000, 0))
	feed := pricefeed.NewCached(src, 0, time.Second, clock, nil)
	store := NewStore(reg, feed, nil, clock, nil)
	ctx := context.Background()

	_, ok := store.Peek(qie)
	assert.False(t, ok)

	snap, err := store.Get(ctx, qie)
	require.NoError(t, err)
	assert.True(t, snap.MidPrice.Equal(d("100")))

	again, err := store.Get(ctx, qie)
	require.NoError(t, err)
	assert.Same(t, snap, again, "cached snapshot served without rebuild")

	next, err := store.Refresh(ctx, qie)
	require.NoError(t, err)
	assert.True(t, next.MidPrice.Equal(d("200")))
	assert.True(t, snap.MidPrice.Equal(d("100")), "old snapshot untouched")

	_, err = store.Get(ctx, market.MustParsePair("DOGE/USDT"))
	assert.ErrorIs(t, err, market.ErrUnknownPair)
}

func TestStoreKeepsSnapshotWhenPriceUnavailable(t *testing.T) {
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(params()))
	static := pricefeed.NewStaticSource()
	static.Set(qie, d("100"))
	store := NewStore(reg, pricefeed.NewCached(static, 0, time.Second, nil, nil), nil, nil, nil)
	ctx := context.Background()

	first, err := store.Refresh(ctx, qie)
	require.NoError(t, err)

	cold := NewStore(reg, pricefeed.NewCached(pricefeed.NewStaticSource(), 0, time.Second, nil, nil), nil, nil, nil)
	snap, err := cold.Get(ctx, qie)
	assert.ErrorIs(t, err, pricefeed.ErrNotAvailable)
	assert.Nil(t, snap)

	got, ok := store.Peek(qie)
	require.True(t, ok)
	assert.Same(t, first, got)
}
