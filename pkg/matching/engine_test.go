package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/settlement"
	"github.com/uhyunpark/qiedex/pkg/util"
)

const owner = "0x1111111111111111111111111111111111111111"

var (
	qie = market.MustParsePair("QIE/USDT")
	sol = market.MustParsePair("SOL/USDT")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type events struct {
	mu      sync.Mutex
	filled  []orders.Order
	failed  []string
	expired []orders.Order
	trades  []Trade
}

func (n *events) OrderFilled(o orders.Order, _ orders.Fill) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filled = append(n.filled, o)
}

func (n *events) OrderFailed(_ orders.Order, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, reason)
}

func (n *events) OrderExpired(o orders.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, o)
}

func (n *events) Trade(t Trade) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trades = append(n.trades, t)
}

func (n *events) counts() (filled, failed, expired, trades int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.filled), len(n.failed), len(n.expired), len(n.trades)
}

type settleRecorder struct {
	mu    sync.Mutex
	reqs  []settlement.Request
	fn    func(ctx context.Context, req settlement.Request) (orders.SettlementInfo, error)
	calls atomic.Int32
}

func (s *settleRecorder) Submit(ctx context.Context, req settlement.Request) (orders.SettlementInfo, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return orders.SettlementInfo{TxHash: "0xok", ExecutedPrice: req.Price, AmountOut: req.QuotedOut}, nil
}

func (s *settleRecorder) requests() []settlement.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Request(nil), s.reqs...)
}

type harness struct {
	markets *market.Registry
	reg     *orders.Registry
	src     *pricefeed.ScriptedSource
	settle  *settleRecorder
	events  *events
	clock   *util.ManualClock
	engine  *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	markets := market.NewRegistry()
	for _, p := range []market.Pair{qie, sol} {
		require.NoError(t, markets.Register(market.Params{Pair: p, TickBps: 1, Levels: 20, SyntheticDepth: d("1000")}))
	}
	clock := util.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := orders.NewRegistry(markets)
	reg.Clock = clock

	src := pricefeed.NewScriptedSource()
	feed := pricefeed.NewCached(src, 0, time.Second, clock, nil)
	rec := &settleRecorder{}
	ev := &events{}

	e := New(cfg, reg, feed, rec)
	e.Markets = markets
	e.Notifier = ev
	e.Clock = clock
	return &harness{markets: markets, reg: reg, src: src, settle: rec, events: ev, clock: clock, engine: e}
}

func (h *harness) create(t *testing.T, spec orders.Spec) orders.Order {
	t.Helper()
	if spec.Owner == "" {
		spec.Owner = owner
	}
	o, err := h.reg.Create(spec)
	require.NoError(t, err)
	return o
}

func TestLimitBuyExecutesOnceAtTrigger(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.13", "0.125", "0.119")
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("100"), LimitPrice: dp("0.12")})
	ctx := context.Background()

	h.engine.Tick(ctx)
	h.engine.Tick(ctx)
	assert.Equal(t, int32(0), h.settle.calls.Load(), "no execution above the limit")

	res := h.engine.Tick(ctx)
	assert.Equal(t, 1, res.Executed)
	require.Equal(t, int32(1), h.settle.calls.Load())
	req := h.settle.requests()[0]
	assert.True(t, req.AmountIn.Equal(d("100")))
	assert.True(t, req.Price.Equal(d("0.119")))
	assert.Equal(t, []string{"USDT", "QIE"}, req.Path)
	assert.True(t, req.MinAmountOut.LessThan(req.QuotedOut))

	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusFilled, got.Status)
	assert.True(t, got.Filled.Add(got.Remaining).Equal(got.Amount))
	assert.False(t, h.reg.InFlight(o.ID))

	h.engine.Tick(ctx)
	assert.Equal(t, int32(1), h.settle.calls.Load())

	filled, failed, _, trades := h.events.counts()
	assert.Equal(t, 1, filled)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, trades)
	assert.Len(t, h.engine.Tape.Recent(qie, 10), 1)
}

func TestStopLimitConvertsBeforeExecuting(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(sol, "110", "101", "96", "94", "97")
	o := h.create(t, orders.Spec{
		Pair: sol, Side: orders.Sell, Kind: orders.StopLimit,
		Amount: d("2"), StopPrice: dp("100"), LimitPrice: dp("95"),
	})
	ctx := context.Background()

	h.engine.Tick(ctx) // 110
	h.engine.Tick(ctx) // 101: sell stop needs p <= 100
	got, _ := h.reg.Get(o.ID)
	assert.False(t, got.Triggered)

	res := h.engine.Tick(ctx) // 96: stop fires, converts only
	assert.Equal(t, 1, res.Converted)
	assert.Equal(t, 0, res.Executed)
	got, _ = h.reg.Get(o.ID)
	assert.True(t, got.Triggered)
	assert.Equal(t, orders.Limit, got.Kind)
	assert.Equal(t, orders.StopLimit, got.OriginalKind)
	assert.Equal(t, int32(0), h.settle.calls.Load())

	h.engine.Tick(ctx) // 94: below the sell limit
	assert.Equal(t, int32(0), h.settle.calls.Load())

	res = h.engine.Tick(ctx) // 97
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, int32(1), h.settle.calls.Load())
	got, _ = h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusFilled, got.Status)
}

func TestStopOrderExecutesOnTrigger(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(sol, "99", "100")
	h.create(t, orders.Spec{Pair: sol, Side: orders.Buy, Kind: orders.Stop, Amount: d("10"), StopPrice: dp("100")})

	assert.Equal(t, 0, h.engine.Tick(context.Background()).Executed)
	assert.Equal(t, 1, h.engine.Tick(context.Background()).Executed)
}

func TestExpiredOrderNeverSettles(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.1")
	exp := h.clock.Now().Add(30 * time.Second)
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("100"), LimitPrice: dp("0.12"), ExpiresAt: &exp})

	h.clock.Advance(time.Minute)
	h.engine.Tick(context.Background())
	assert.Equal(t, int32(0), h.settle.calls.Load())

	expired := h.engine.SweepExpired(context.Background())
	require.Len(t, expired, 1)
	assert.Equal(t, o.ID, expired[0].ID)
	assert.Empty(t, h.engine.SweepExpired(context.Background()))

	_, _, nExpired, _ := h.events.counts()
	assert.Equal(t, 1, nExpired)
	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusExpired, got.Status)
	assert.Equal(t, int32(0), h.settle.calls.Load())
}

func TestFailedSettlementLeavesOrderOpenAndRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.1")
	var fail atomic.Bool
	fail.Store(true)
	h.settle.fn = func(_ context.Context, req settlement.Request) (orders.SettlementInfo, error) {
		if fail.Load() {
			return orders.SettlementInfo{}, settlement.Fail("swap reverted", errors.New("execution reverted"))
		}
		return orders.SettlementInfo{TxHash: "0x1", ExecutedPrice: req.Price}, nil
	}
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Sell, Kind: orders.Limit, Amount: d("50"), LimitPrice: dp("0.09")})

	res := h.engine.Tick(context.Background())
	assert.Equal(t, 1, res.Failed)
	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusOpen, got.Status)
	assert.True(t, got.Remaining.Equal(d("50")))
	assert.False(t, h.reg.InFlight(o.ID))

	h.events.mu.Lock()
	assert.Equal(t, []string{"swap reverted"}, h.events.failed)
	h.events.mu.Unlock()

	fail.Store(false)
	res = h.engine.Tick(context.Background())
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, int32(2), h.settle.calls.Load())
}

func TestNoConcurrentSettlementForOneOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.1")
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	h.settle.fn = func(_ context.Context, req settlement.Request) (orders.SettlementInfo, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return orders.SettlementInfo{TxHash: "0x1", ExecutedPrice: req.Price}, nil
	}
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("10"), LimitPrice: dp("0.2")})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.Tick(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return h.settle.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := h.engine.Cancel(o.ID, owner)
	assert.ErrorIs(t, err, orders.ErrOrderInFlight)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.settle.calls.Load())
	assert.Equal(t, int32(1), maxActive.Load())
	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusFilled, got.Status)
}

func TestUnavailablePriceSkipsPairOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(sol, "90")
	h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})
	h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})
	h.create(t, orders.Spec{Pair: sol, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("100")})

	res := h.engine.Tick(context.Background())
	assert.Equal(t, []market.Pair{qie}, res.Skipped)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 2, h.src.Calls(), "one lookup per pair per tick")
}

func TestPausedPairIsNotMatched(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.1")
	h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})
	require.NoError(t, h.markets.SetStatus(qie, market.Paused))

	res := h.engine.Tick(context.Background())
	assert.Equal(t, 0, res.Evaluated)
	assert.Equal(t, int32(0), h.settle.calls.Load())
}

func TestSettlementTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SettlementTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.src.Script(qie, "0.1")
	h.settle.fn = func(ctx context.Context, _ settlement.Request) (orders.SettlementInfo, error) {
		<-ctx.Done()
		return orders.SettlementInfo{}, ctx.Err()
	}
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})

	start := time.Now()
	res := h.engine.Tick(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Failed)

	h.engine.Wait()
	assert.False(t, h.reg.InFlight(o.ID))
	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusOpen, got.Status)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.NotEmpty(t, h.events.failed)
	assert.Equal(t, "settlement timed out", h.events.failed[0])
}

func TestInvariantViolationHaltsOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.1")
	h.src.Script(sol, "5")
	var corrupt atomic.Value
	h.settle.fn = func(_ context.Context, req settlement.Request) (orders.SettlementInfo, error) {
		if id, _ := corrupt.Load().(string); id == req.OrderID {
			// another writer fills part of the order while the swap is out
			_, _, err := h.reg.ApplyFill(req.OrderID, d("4"), orders.SettlementInfo{})
			assert.NoError(t, err)
		}
		return orders.SettlementInfo{TxHash: "0x1", ExecutedPrice: req.Price}, nil
	}
	o := h.create(t, orders.Spec{Pair: qie, Side: orders.Sell, Kind: orders.Limit, Amount: d("10"), LimitPrice: dp("0.05")})
	other := h.create(t, orders.Spec{Pair: sol, Side: orders.Sell, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})
	corrupt.Store(o.ID)

	res := h.engine.Tick(context.Background())
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Failed)

	got, _ := h.reg.Get(o.ID)
	assert.Equal(t, orders.StatusHalted, got.Status)
	assert.NotEmpty(t, got.HaltReason)
	assert.Equal(t, uint64(1), h.engine.Stats().Halted)
	assert.False(t, h.reg.InFlight(o.ID))

	// the rest of the book keeps running
	got, _ = h.reg.Get(other.ID)
	assert.Equal(t, orders.StatusFilled, got.Status)
}

func TestSubmitMarketOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.12")

	o, err := h.engine.Submit(context.Background(), orders.Spec{Owner: owner, Pair: qie, Side: orders.Sell, Kind: orders.Market, Amount: d("100")})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFilled, o.Status)
	assert.False(t, h.reg.InFlight(o.ID))
	require.Len(t, h.settle.requests(), 1)
	assert.True(t, h.settle.requests()[0].QuotedOut.Equal(d("12")))

	trades := h.engine.Tape.Recent(qie, 0)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Amount.Equal(d("100")))
	assert.True(t, trades[0].Total.Equal(d("12")))
}

func TestSubmitMarketOrderFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.src.Script(qie, "0.12")
	h.settle.fn = func(context.Context, settlement.Request) (orders.SettlementInfo, error) {
		return orders.SettlementInfo{}, settlement.Fail("insufficient liquidity", nil)
	}

	o, err := h.engine.Submit(context.Background(), orders.Spec{Owner: owner, Pair: qie, Side: orders.Buy, Kind: orders.Market, Amount: d("5")})
	assert.ErrorIs(t, err, settlement.ErrSettlementFailed)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, "insufficient liquidity", o.CancelReason)
	assert.False(t, h.reg.InFlight(o.ID))

	_, err = h.engine.Submit(context.Background(), orders.Spec{Owner: owner, Pair: sol, Side: orders.Buy, Kind: orders.Market, Amount: d("5")})
	assert.ErrorIs(t, err, pricefeed.ErrNotAvailable)
}

func TestSubmitRestingOrderDoesNotSettle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	o, err := h.engine.Submit(context.Background(), orders.Spec{Owner: owner, Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("5"), LimitPrice: dp("0.1")})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusOpen, o.Status)
	assert.Equal(t, int32(0), h.settle.calls.Load())

	_, err = h.engine.Submit(context.Background(), orders.Spec{Owner: owner, Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("5")})
	assert.True(t, orders.IsValidation(err))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.engine.Clock = util.RealClock{}
	h.src.Script(qie, "0.1")
	h.create(t, orders.Spec{Pair: qie, Side: orders.Buy, Kind: orders.Limit, Amount: d("1"), LimitPrice: dp("1")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.settle.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestEvaluateTable(t *testing.T) {
	mk := func(kind orders.Kind, side orders.Side, limit, stop string, triggered bool) orders.Order {
		o := orders.Order{Kind: kind, Side: side, Triggered: triggered}
		if limit != "" {
			o.LimitPrice = dp(limit)
		}
		if stop != "" {
			o.StopPrice = dp(stop)
		}
		return o
	}
	tests := []struct {
		name  string
		order orders.Order
		price string
		want  action
	}{
		{"limit buy at limit", mk(orders.Limit, orders.Buy, "10", "", false), "10", execute},
		{"limit buy above", mk(orders.Limit, orders.Buy, "10", "", false), "10.01", hold},
		{"limit sell at limit", mk(orders.Limit, orders.Sell, "10", "", false), "10", execute},
		{"limit sell below", mk(orders.Limit, orders.Sell, "10", "", false), "9.99", hold},
		{"stop buy at stop", mk(orders.Stop, orders.Buy, "", "10", false), "10", execute},
		{"stop buy below", mk(orders.Stop, orders.Buy, "", "10", false), "9", hold},
		{"stop sell at stop", mk(orders.Stop, orders.Sell, "", "10", false), "10", execute},
		{"stop sell above", mk(orders.Stop, orders.Sell, "", "10", false), "11", hold},
		{"stop limit converts", mk(orders.StopLimit, orders.Buy, "11", "10", false), "10.5", convert},
		{"stop limit waits", mk(orders.StopLimit, orders.Buy, "11", "10", false), "9", hold},
		{"triggered stop limit acts as limit", mk(orders.StopLimit, orders.Buy, "11", "10", true), "10.5", execute},
		{"market never rests", mk(orders.Market, orders.Buy, "", "", false), "1", hold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluate(tt.order, d(tt.price)))
		})
	}
}
