package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// Persistence receives every order mutation, one call at a time and in the
// order the mutations were applied. Calls are best-effort: errors are logged
// and never roll back registry state.
type Persistence interface {
	Persist(ctx context.Context, o Order) error
	RecordFill(ctx context.Context, o Order, f Fill) error
}

// PairChecker reports whether new orders may be accepted for a pair.
type PairChecker interface {
	IsActive(pair market.Pair) bool
}

// Stats is a point-in-time count of orders per state.
type Stats struct {
	Open      int `json:"open"`
	Partial   int `json:"partial"`
	Filled    int `json:"filled"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Halted    int `json:"halted"`
	InFlight  int `json:"inFlight"`
}

// Registry owns the set of orders. Every mutation goes through one mutex, so
// an order is never mutated by two goroutines at once.
type Registry struct {
	mu       sync.Mutex
	orders   map[string]*Order
	inFlight map[string]struct{}
	seq      sequencer

	pairs PairChecker

	// Optional collaborators; set before the registry is shared.
	Persistence Persistence
	Clock       util.Clock
	Logger      *zap.SugaredLogger
}

func NewRegistry(pairs PairChecker) *Registry {
	return &Registry{
		orders:   make(map[string]*Order),
		inFlight: make(map[string]struct{}),
		pairs:    pairs,
		Clock:    util.RealClock{},
	}
}

type handoff struct {
	order Order
	fill  *Fill
}

// sequencer orders persistence hand-offs. A turn is taken under r.mu, so
// turns follow mutation order; flushes then run strictly by turn.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func (s *sequencer) take() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.next
	s.next++
	return t
}

func (s *sequencer) run(turn uint64, fn func()) {
	s.mu.Lock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	for s.serving != turn {
		s.cond.Wait()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.serving++
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	fn()
}

// flush hands mutated orders to persistence once every earlier mutation has
// been handed off. turn must come from r.seq.take() under r.mu; flush itself
// must be called without r.mu held.
func (r *Registry) flush(turn uint64, items ...handoff) {
	r.seq.run(turn, func() { r.persist(items) })
}

func (r *Registry) persist(items []handoff) {
	if r.Persistence == nil {
		return
	}
	ctx := context.Background()
	for _, it := range items {
		if err := r.Persistence.Persist(ctx, it.order); err != nil {
			util.OrNop(r.Logger).Warnw("persist_order_failed", "order_id", it.order.ID, "err", err)
		}
		if it.fill != nil {
			if err := r.Persistence.RecordFill(ctx, it.order, *it.fill); err != nil {
				util.OrNop(r.Logger).Warnw("persist_fill_failed", "order_id", it.order.ID, "err", err)
			}
		}
	}
}

// Create validates spec and registers a new open order.
// Market orders are created already in flight: they execute through the
// engine's immediate path and never rest.
func (r *Registry) Create(spec Spec) (Order, error) {
	now := r.Clock.Now()
	if err := spec.Validate(now); err != nil {
		return Order{}, err
	}
	if r.pairs != nil && !r.pairs.IsActive(spec.Pair) {
		return Order{}, &ValidationError{Field: "pair", Reason: fmt.Sprintf("%s is not tradable", spec.Pair), Err: ErrPairUnavailable}
	}

	o := &Order{
		ID:           uuid.NewString(),
		Owner:        NormalizeOwner(spec.Owner),
		Pair:         spec.Pair,
		Side:         spec.Side,
		Kind:         spec.Kind,
		OriginalKind: spec.Kind,
		Amount:       spec.Amount,
		Filled:       decimal.Zero,
		Remaining:    spec.Amount,
		LimitPrice:   spec.LimitPrice,
		StopPrice:    spec.StopPrice,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    spec.ExpiresAt,
	}

	r.mu.Lock()
	r.orders[o.ID] = o
	if o.Kind == Market {
		r.inFlight[o.ID] = struct{}{}
	}
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Infow("order_created", "order_id", out.ID, "owner", out.Owner,
		"pair", out.Pair.String(), "side", out.Side, "kind", out.Kind, "amount", out.Amount.String())
	r.flush(turn, handoff{order: out})
	return out, nil
}

// Get returns a copy of the order.
func (r *Registry) Get(id string) (Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// ByOwner returns the owner's orders, newest first.
func (r *Registry) ByOwner(owner string) []Order {
	r.mu.Lock()
	var out []Order
	for _, o := range r.orders {
		if SameOwner(o.Owner, owner) {
			out = append(out, o.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Resting returns the open and partial non-market orders that are not in
// flight, oldest first. This is the matching engine's work list.
func (r *Registry) Resting() []Order {
	r.mu.Lock()
	var out []Order
	for id, o := range r.orders {
		if !o.Status.Resting() || o.Kind == Market {
			continue
		}
		if _, busy := r.inFlight[id]; busy {
			continue
		}
		out = append(out, o.Clone())
	}
	r.mu.Unlock()

	sortOldestFirst(out)
	return out
}

// RestingByPair returns every resting non-market order of a pair, in flight
// or not. Used to layer real volume into the book.
func (r *Registry) RestingByPair(pair market.Pair) []Order {
	r.mu.Lock()
	var out []Order
	for _, o := range r.orders {
		if o.Pair == pair && o.Status.Resting() && o.Kind != Market {
			out = append(out, o.Clone())
		}
	}
	r.mu.Unlock()

	sortOldestFirst(out)
	return out
}

func sortOldestFirst(out []Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// Cancel transitions an open/partial order owned by owner to cancelled.
// Unknown, foreign and terminal orders fail with ErrNotFound and nothing
// changes. An order with an outstanding settlement call fails with
// ErrOrderInFlight; the caller may retry once it resolves.
func (r *Registry) Cancel(id, owner string) (Order, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || !SameOwner(o.Owner, owner) || !o.Status.Resting() {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if _, busy := r.inFlight[id]; busy {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("cancel %s: %w", id, ErrOrderInFlight)
	}
	o.Status = StatusCancelled
	o.CancelReason = "cancelled by owner"
	o.UpdatedAt = r.Clock.Now()
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Infow("order_cancelled", "order_id", id, "owner", out.Owner)
	r.flush(turn, handoff{order: out})
	return out, nil
}

// ApplyFill records an execution of amount against the order. It fails with
// ErrInvariantViolation when amount is not positive, exceeds the remaining
// quantity, or the order is terminal.
func (r *Registry) ApplyFill(id string, amount decimal.Decimal, info SettlementInfo) (Order, Fill, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return Order{}, Fill{}, fmt.Errorf("fill %s: %w", id, ErrNotFound)
	}
	switch {
	case o.Status.Terminal():
		r.mu.Unlock()
		return Order{}, Fill{}, fmt.Errorf("fill %s: order is %s: %w", id, o.Status, ErrInvariantViolation)
	case !amount.IsPositive():
		r.mu.Unlock()
		return Order{}, Fill{}, fmt.Errorf("fill %s: amount %s not positive: %w", id, amount, ErrInvariantViolation)
	case o.Remaining.IsNegative() || !o.Filled.Add(o.Remaining).Equal(o.Amount):
		r.mu.Unlock()
		return Order{}, Fill{}, fmt.Errorf("fill %s: corrupted quantities filled=%s remaining=%s amount=%s: %w",
			id, o.Filled, o.Remaining, o.Amount, ErrInvariantViolation)
	case amount.GreaterThan(o.Remaining):
		r.mu.Unlock()
		return Order{}, Fill{}, fmt.Errorf("fill %s: amount %s exceeds remaining %s: %w", id, amount, o.Remaining, ErrInvariantViolation)
	}

	now := r.Clock.Now()
	o.Remaining = o.Remaining.Sub(amount)
	o.Filled = o.Filled.Add(amount)
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedAt = now
	settled := info
	o.Settlement = &settled

	fill := Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Pair:       o.Pair,
		Side:       o.Side,
		Price:      info.ExecutedPrice,
		Amount:     amount,
		Timestamp:  now,
		Settlement: info,
	}
	o.Fills = append(o.Fills, fill)
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Infow("order_fill_applied", "order_id", id, "amount", amount.String(),
		"remaining", out.Remaining.String(), "status", out.Status, "tx_hash", info.TxHash)
	r.flush(turn, handoff{order: out, fill: &fill})
	return out, fill, nil
}

// ExpireDue expires every open/partial order whose deadline is at or before
// now and returns them. Orders with a settlement in flight are left for the
// next sweep.
func (r *Registry) ExpireDue(now time.Time) []Order {
	r.mu.Lock()
	var out []Order
	for id, o := range r.orders {
		if !o.Status.Resting() || !o.Expired(now) {
			continue
		}
		if _, busy := r.inFlight[id]; busy {
			continue
		}
		o.Status = StatusExpired
		o.UpdatedAt = now
		out = append(out, o.Clone())
	}
	turn := r.seq.take()
	r.mu.Unlock()

	sortOldestFirst(out)
	items := make([]handoff, len(out))
	for i, o := range out {
		items[i] = handoff{order: o}
		util.OrNop(r.Logger).Infow("order_expired", "order_id", o.ID, "owner", o.Owner)
	}
	r.flush(turn, items...)
	return out
}

// Trigger converts an untriggered stop_limit order into a limit order in
// place. OriginalKind keeps the audit trail.
func (r *Registry) Trigger(id string) (Order, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || !o.Status.Resting() {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}
	if o.Kind != StopLimit || o.Triggered {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("trigger %s: kind %s triggered=%v: %w", id, o.Kind, o.Triggered, ErrInvariantViolation)
	}
	o.Kind = Limit
	o.Triggered = true
	o.UpdatedAt = r.Clock.Now()
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Infow("order_triggered", "order_id", id, "pair", out.Pair.String())
	r.flush(turn, handoff{order: out})
	return out, nil
}

// BeginExecution marks a resting order in flight. A second call before
// EndExecution fails with ErrOrderInFlight.
func (r *Registry) BeginExecution(id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok || !o.Status.Resting() {
		return Order{}, fmt.Errorf("execute %s: %w", id, ErrNotFound)
	}
	if _, busy := r.inFlight[id]; busy {
		return Order{}, fmt.Errorf("execute %s: %w", id, ErrOrderInFlight)
	}
	r.inFlight[id] = struct{}{}
	return o.Clone(), nil
}

// EndExecution clears the in-flight mark.
func (r *Registry) EndExecution(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// InFlight reports whether a settlement call is outstanding for id.
func (r *Registry) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inFlight[id]
	return busy
}

// Abort cancels an in-flight order whose execution cannot be retried (a
// failed market order) and clears its mark.
func (r *Registry) Abort(id, reason string) (Order, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || !o.Status.Resting() {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("abort %s: %w", id, ErrNotFound)
	}
	delete(r.inFlight, id)
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.UpdatedAt = r.Clock.Now()
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Infow("order_aborted", "order_id", id, "reason", reason)
	r.flush(turn, handoff{order: out})
	return out, nil
}

// Halt moves an order with corrupted state, or one whose swap outcome is
// unknown, into the halted terminal state so the rest of the book keeps
// running. Halted orders are never settled again.
func (r *Registry) Halt(id, reason string) (Order, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.Status.Terminal() {
		r.mu.Unlock()
		return Order{}, fmt.Errorf("halt %s: %w", id, ErrNotFound)
	}
	delete(r.inFlight, id)
	o.Status = StatusHalted
	o.HaltReason = reason
	o.UpdatedAt = r.Clock.Now()
	out := o.Clone()
	turn := r.seq.take()
	r.mu.Unlock()

	util.OrNop(r.Logger).Errorw("order_halted", "order_id", id, "reason", reason)
	r.flush(turn, handoff{order: out})
	return out, nil
}

// Restore loads orders recovered from persistence after a cold start. In-flight
// marks are not restored. A market order that was still open when the process
// stopped has an unknown settlement outcome and is halted for reconciliation.
func (r *Registry) Restore(list []Order) int {
	r.mu.Lock()
	var halted []Order
	n := 0
	for _, in := range list {
		if _, exists := r.orders[in.ID]; exists {
			continue
		}
		o := in.Clone()
		if o.Kind == Market && o.Status.Resting() {
			o.Status = StatusHalted
			o.HaltReason = "settlement outcome unknown after restart"
			halted = append(halted, o.Clone())
		}
		r.orders[o.ID] = &o
		n++
	}
	turn := r.seq.take()
	r.mu.Unlock()

	items := make([]handoff, len(halted))
	for i, o := range halted {
		items[i] = handoff{order: o}
	}
	r.flush(turn, items...)
	return n
}

// Stats counts orders per state.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, o := range r.orders {
		switch o.Status {
		case StatusOpen:
			s.Open++
		case StatusPartial:
			s.Partial++
		case StatusFilled:
			s.Filled++
		case StatusCancelled:
			s.Cancelled++
		case StatusExpired:
			s.Expired++
		case StatusHalted:
			s.Halted++
		}
	}
	s.InFlight = len(r.inFlight)
	return s
}
