// Package matching drives resting orders through trigger evaluation and
// settlement.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/settlement"
	"github.com/uhyunpark/qiedex/pkg/util"
)

type Config struct {
	TickInterval      time.Duration
	ExpiryInterval    time.Duration
	SettlementTimeout time.Duration
	SlippageBps       int64
	MaxConcurrency    int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		ExpiryInterval:    time.Minute,
		SettlementTimeout: 10 * time.Second,
		SlippageBps:       50,
		MaxConcurrency:    8,
	}
}

// Notifier receives the engine's user-visible events.
type Notifier interface {
	OrderFilled(o orders.Order, f orders.Fill)
	OrderFailed(o orders.Order, reason string)
	OrderExpired(o orders.Order)
	Trade(t Trade)
}

// PairChecker reports whether a pair is currently being matched.
type PairChecker interface {
	IsActive(pair market.Pair) bool
}

// TickResult summarises one matching pass.
type TickResult struct {
	Evaluated int
	Converted int
	Executed  int
	Failed    int
	Skipped   []market.Pair // pairs without a price this tick
}

type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Fills    uint64 `json:"fills"`
	Failures uint64 `json:"failures"`
	Expired  uint64 `json:"expired"`
	Halted   uint64 `json:"halted"`
}

// Engine evaluates resting orders against the feed on every tick and hands
// triggered ones to settlement. An order has at most one settlement call
// outstanding; the registry's in-flight mark enforces it.
type Engine struct {
	cfg      Config
	registry *orders.Registry
	feed     pricefeed.Feed
	settle   settlement.Settlement

	// Optional collaborators; set before Run.
	Markets  PairChecker
	Notifier Notifier
	Tape     *Tape
	Clock    util.Clock
	Logger   *zap.SugaredLogger

	late sync.WaitGroup // settlement calls that outlived their timeout

	ticks    atomic.Uint64
	fills    atomic.Uint64
	failures atomic.Uint64
	expired  atomic.Uint64
	halted   atomic.Uint64
}

func New(cfg Config, registry *orders.Registry, feed pricefeed.Feed, settle settlement.Settlement) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = def.ExpiryInterval
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = def.SettlementTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		feed:     feed,
		settle:   settle,
		Tape:     NewTape(50),
		Clock:    util.RealClock{},
	}
}

func (e *Engine) log() *zap.SugaredLogger { return util.OrNop(e.Logger) }

// Run drives the matching tick and the expiry sweep until ctx is done. Ticks
// never overlap: a slow tick delays the next one.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(e.cfg.TickInterval)
	sweep := time.NewTicker(e.cfg.ExpiryInterval)
	defer tick.Stop()
	defer sweep.Stop()

	e.log().Infow("matching_started", "tick", e.cfg.TickInterval, "expiry_sweep", e.cfg.ExpiryInterval,
		"settlement_timeout", e.cfg.SettlementTimeout, "slippage_bps", e.cfg.SlippageBps)

	for {
		select {
		case <-ctx.Done():
			e.late.Wait()
			e.log().Infow("matching_stopped")
			return ctx.Err()
		case <-tick.C:
			e.Tick(ctx)
		case <-sweep.C:
			e.SweepExpired(ctx)
		}
	}
}

type candidate struct {
	order orders.Order
	quote pricefeed.Quote
}

// Tick runs one pass over the resting orders. It returns once every
// settlement attempt started in this pass has succeeded, failed or timed out.
func (e *Engine) Tick(ctx context.Context) TickResult {
	e.ticks.Add(1)
	now := e.Clock.Now()
	resting := e.registry.Resting()

	var res TickResult
	quotes := make(map[market.Pair]pricefeed.Quote)
	skipped := make(map[market.Pair]bool)
	var triggered []candidate

	for _, o := range resting {
		if e.Markets != nil && !e.Markets.IsActive(o.Pair) {
			continue
		}
		if o.Expired(now) {
			continue // left for the sweep
		}
		if skipped[o.Pair] {
			continue
		}
		q, ok := quotes[o.Pair]
		if !ok {
			var err error
			q, err = e.feed.Price(ctx, o.Pair)
			if err != nil {
				skipped[o.Pair] = true
				res.Skipped = append(res.Skipped, o.Pair)
				e.log().Debugw("pair_skipped", "pair", o.Pair.String(), "err", err)
				continue
			}
			quotes[o.Pair] = q
		}

		res.Evaluated++
		switch evaluate(o, q.Price) {
		case convert:
			if _, err := e.registry.Trigger(o.ID); err != nil {
				e.log().Debugw("trigger_skipped", "order_id", o.ID, "err", err)
				continue
			}
			res.Converted++
		case execute:
			triggered = append(triggered, candidate{order: o, quote: q})
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	var executed, failed atomic.Int64
	for _, c := range triggered {
		o, err := e.registry.BeginExecution(c.order.ID)
		if err != nil {
			// cancelled, expired or already in flight since the snapshot
			e.log().Debugw("execution_skipped", "order_id", c.order.ID, "err", err)
			continue
		}
		q := c.quote
		g.Go(func() error {
			if e.execute(ctx, o, q) {
				executed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Executed = int(executed.Load())
	res.Failed = int(failed.Load())
	if res.Executed > 0 || res.Failed > 0 || res.Converted > 0 {
		e.log().Infow("matching_tick", "evaluated", res.Evaluated, "converted", res.Converted,
			"executed", res.Executed, "failed", res.Failed, "skipped_pairs", len(res.Skipped))
	}
	return res
}

type outcome struct {
	info orders.SettlementInfo
	err  error
}

// call submits req under the settlement timeout. When the timeout wins, the
// returned channel yields the real outcome once the call returns.
func (e *Engine) call(ctx context.Context, req settlement.Request) (outcome, <-chan outcome) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SettlementTimeout)
	ch := make(chan outcome, 1)
	go func() {
		defer cancel()
		info, err := e.settle.Submit(sctx, req)
		ch <- outcome{info: info, err: err}
	}()

	select {
	case out := <-ch:
		return out, nil
	case <-sctx.Done():
		if ctx.Err() != nil {
			return outcome{err: settlement.Fail("engine shutting down", ctx.Err())}, ch
		}
		return outcome{err: settlement.Fail("settlement timed out", sctx.Err())}, ch
	}
}

// execute settles a resting order that is already marked in flight and
// clears the mark once the outcome is known.
func (e *Engine) execute(ctx context.Context, o orders.Order, q pricefeed.Quote) bool {
	req := settlement.NewRequest(o, q.Price, e.cfg.SlippageBps)
	e.log().Infow("order_triggered_execution", "order_id", o.ID, "pair", o.Pair.String(), "kind", o.Kind,
		"side", o.Side, "price", q.Price.String(), "amount_in", req.AmountIn.String())

	out, pending := e.call(ctx, req)
	if pending != nil {
		// The order stays in flight until the straggling call resolves so it
		// cannot be submitted twice.
		e.fail(o, out.err)
		e.late.Add(1)
		go func() {
			defer e.late.Done()
			defer e.registry.EndExecution(o.ID)
			late := <-pending
			switch {
			case late.err == nil:
				e.log().Warnw("settlement_late_success", "order_id", o.ID, "tx_hash", late.info.TxHash)
				e.fill(o, req, late.info)
			case errors.Is(late.err, settlement.ErrUnconfirmed):
				e.unconfirmed(o, late.err)
			}
		}()
		return false
	}

	defer e.registry.EndExecution(o.ID)
	if errors.Is(out.err, settlement.ErrUnconfirmed) {
		e.unconfirmed(o, out.err)
		return false
	}
	if out.err != nil {
		e.fail(o, out.err)
		return false
	}
	_, err := e.fill(o, req, out.info)
	return err == nil
}

// unconfirmed halts an order whose swap was broadcast without a receipt. The
// swap may still land, so the order is never retried; it waits for manual
// reconciliation against the tx hash.
func (e *Engine) unconfirmed(o orders.Order, err error) orders.Order {
	e.halted.Add(1)
	reason := settlement.Reason(err)
	e.log().Errorw("settlement_unconfirmed", "order_id", o.ID, "owner", o.Owner, "reason", reason, "err", err)
	halted, herr := e.registry.Halt(o.ID, reason)
	if herr != nil {
		e.log().Warnw("halt_failed", "order_id", o.ID, "err", herr)
		return o
	}
	if e.Notifier != nil {
		e.Notifier.OrderFailed(halted, reason)
	}
	return halted
}

func (e *Engine) fail(o orders.Order, err error) {
	e.failures.Add(1)
	reason := settlement.Reason(err)
	e.log().Warnw("settlement_failed", "order_id", o.ID, "owner", o.Owner, "reason", reason, "err", err)
	if e.Notifier != nil {
		e.Notifier.OrderFailed(o, reason)
	}
}

// fill applies a successful settlement. A registry invariant violation after
// the swap went through halts the order instead of the engine.
func (e *Engine) fill(o orders.Order, req settlement.Request, info orders.SettlementInfo) (orders.Order, error) {
	filled, f, err := e.registry.ApplyFill(o.ID, req.AmountIn, info)
	if err != nil {
		if errors.Is(err, orders.ErrInvariantViolation) {
			e.halted.Add(1)
			halted, herr := e.registry.Halt(o.ID, err.Error())
			if herr == nil && e.Notifier != nil {
				e.Notifier.OrderFailed(halted, "order halted: "+err.Error())
			}
		}
		e.log().Errorw("apply_fill_failed", "order_id", o.ID, "tx_hash", info.TxHash, "err", err)
		return orders.Order{}, err
	}

	e.fills.Add(1)
	t := TradeFromFill(filled, f)
	if e.Tape != nil {
		e.Tape.Record(t)
	}
	if e.Notifier != nil {
		e.Notifier.OrderFilled(filled, f)
		e.Notifier.Trade(t)
	}
	return filled, nil
}

// Submit creates an order. Market orders execute immediately: the filled
// order is returned, or the settlement error with the order recorded as
// cancelled. Other kinds are returned open and rest until triggered.
func (e *Engine) Submit(ctx context.Context, spec orders.Spec) (orders.Order, error) {
	o, err := e.registry.Create(spec)
	if err != nil {
		return orders.Order{}, err
	}
	if o.Kind != orders.Market {
		return o, nil
	}

	q, err := e.feed.Price(ctx, o.Pair)
	if err != nil {
		aborted, _ := e.registry.Abort(o.ID, "price not available")
		e.fail(aborted, err)
		return aborted, fmt.Errorf("market order %s: %w", o.ID, err)
	}

	req := settlement.NewRequest(o, q.Price, e.cfg.SlippageBps)
	out, pending := e.call(ctx, req)
	if pending != nil {
		e.late.Add(1)
		go func() {
			defer e.late.Done()
			late := <-pending
			switch {
			case late.err == nil:
				e.fill(o, req, late.info)
				e.registry.EndExecution(o.ID)
			case errors.Is(late.err, settlement.ErrUnconfirmed):
				e.unconfirmed(o, late.err)
			default:
				aborted, _ := e.registry.Abort(o.ID, settlement.Reason(late.err))
				e.fail(aborted, late.err)
			}
		}()
		return o, fmt.Errorf("market order %s: %w", o.ID, out.err)
	}

	if errors.Is(out.err, settlement.ErrUnconfirmed) {
		halted := e.unconfirmed(o, out.err)
		return halted, fmt.Errorf("market order %s: %w", o.ID, out.err)
	}
	if out.err != nil {
		aborted, _ := e.registry.Abort(o.ID, settlement.Reason(out.err))
		e.fail(aborted, out.err)
		return aborted, fmt.Errorf("market order %s: %w", o.ID, out.err)
	}
	defer e.registry.EndExecution(o.ID)
	return e.fill(o, req, out.info)
}

// Cancel cancels a resting order on behalf of owner.
func (e *Engine) Cancel(id, owner string) (orders.Order, error) {
	return e.registry.Cancel(id, owner)
}

// SweepExpired expires overdue orders and notifies each owner once.
func (e *Engine) SweepExpired(ctx context.Context) []orders.Order {
	expired := e.registry.ExpireDue(e.Clock.Now())
	for _, o := range expired {
		e.expired.Add(1)
		if e.Notifier != nil {
			e.Notifier.OrderExpired(o)
		}
	}
	if len(expired) > 0 {
		e.log().Infow("orders_expired", "count", len(expired))
	}
	return expired
}

// Wait blocks until every straggling settlement call has resolved.
func (e *Engine) Wait() { e.late.Wait() }

func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:    e.ticks.Load(),
		Fills:    e.fills.Load(),
		Failures: e.failures.Load(),
		Expired:  e.expired.Load(),
		Halted:   e.halted.Load(),
	}
}
