// Package book derives per-pair depth ladders from the price feed and the
// resting orders in the registry.
package book

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
)

// Level is one price step of the ladder. Amount is in base units; Total is
// the cumulative amount from the mid outward.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
	Orders int             `json:"orders"`
}

// Snapshot is an immutable book state. Once published it is never mutated.
type Snapshot struct {
	Pair      market.Pair     `json:"pair"`
	Bids      []Level         `json:"bids"` // best (highest) first
	Asks      []Level         `json:"asks"` // best (lowest) first
	MidPrice  decimal.Decimal `json:"midPrice"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp time.Time       `json:"timestamp"`
}

// BestBid returns the highest bid price, or zero for an empty side.
func (s *Snapshot) BestBid() decimal.Decimal {
	if len(s.Bids) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price, or zero for an empty side.
func (s *Snapshot) BestAsk() decimal.Decimal {
	if len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Asks[0].Price
}

var bpsDenominator = decimal.NewFromInt(10000)

type bucket struct {
	amount decimal.Decimal
	orders int
}

// Build produces the snapshot for one pair. It is pure: the same inputs always
// give the same ladder.
//
// Levels sit at mid -/+ i*tick for i >= 1 with tick = mid*TickBps/10000. Each
// of the first Levels steps carries synthetic depth growing linearly with i.
// Resting limit volume is added to the step at or beyond its limit price
// (bucket i = ceil(distance/tick), at least 1); orders further out than
// Levels add extra steps.
func Build(p market.Params, q pricefeed.Quote, resting []orders.Order, now time.Time) *Snapshot {
	mid := q.Price
	tick := mid.Mul(decimal.NewFromInt(p.TickBps)).Div(bpsDenominator)

	bidBuckets := make(map[int64]*bucket)
	askBuckets := make(map[int64]*bucket)
	maxBid, maxAsk := int64(p.Levels), int64(p.Levels)

	for i := range resting {
		o := &resting[i]
		if o.Pair != p.Pair || o.Kind != orders.Limit || o.LimitPrice == nil || !o.Status.Resting() {
			continue
		}
		limit := *o.LimitPrice
		if !limit.IsPositive() || !o.Remaining.IsPositive() {
			continue
		}

		var idx int64
		var amount decimal.Decimal
		switch o.Side {
		case orders.Buy:
			idx = bucketIndex(mid.Sub(limit), tick)
			// a bucket must stay above zero
			for idx > 1 && !mid.Sub(tick.Mul(decimal.NewFromInt(idx))).IsPositive() {
				idx--
			}
			amount = o.Remaining.DivRound(limit, 8)
			if !amount.IsPositive() {
				continue // dust below display precision
			}
			addTo(bidBuckets, idx, amount)
			if idx > maxBid {
				maxBid = idx
			}
		case orders.Sell:
			idx = bucketIndex(limit.Sub(mid), tick)
			amount = o.Remaining
			addTo(askBuckets, idx, amount)
			if idx > maxAsk {
				maxAsk = idx
			}
		}
	}

	bids := ladder(p, mid, tick.Neg(), maxBid, bidBuckets)
	asks := ladder(p, mid, tick, maxAsk, askBuckets)

	s := &Snapshot{
		Pair:      p.Pair,
		Bids:      bids,
		Asks:      asks,
		MidPrice:  mid,
		Spread:    decimal.Zero,
		Timestamp: now,
	}
	if len(bids) > 0 && len(asks) > 0 {
		s.Spread = s.BestAsk().Sub(s.BestBid())
	}
	return s
}

func bucketIndex(distance, tick decimal.Decimal) int64 {
	if !distance.IsPositive() || !tick.IsPositive() {
		return 1
	}
	idx := distance.Div(tick).Ceil().IntPart()
	if idx < 1 {
		idx = 1
	}
	return idx
}

func addTo(m map[int64]*bucket, idx int64, amount decimal.Decimal) {
	b, ok := m[idx]
	if !ok {
		b = &bucket{amount: decimal.Zero}
		m[idx] = b
	}
	b.amount = b.amount.Add(amount)
	b.orders++
}

// ladder walks outward from mid in steps of step (negative for bids).
func ladder(p market.Params, mid, step decimal.Decimal, depth int64, real map[int64]*bucket) []Level {
	levels := make([]Level, 0, depth)
	total := decimal.Zero
	for i := int64(1); i <= depth; i++ {
		price := mid.Add(step.Mul(decimal.NewFromInt(i)))
		if !price.IsPositive() {
			break
		}

		amount := decimal.Zero
		count := 0
		if i <= int64(p.Levels) {
			amount = p.SyntheticDepth.Mul(decimal.NewFromInt(i))
			count = 1
		}
		if b, ok := real[i]; ok {
			amount = amount.Add(b.amount)
			count += b.orders
		}
		if count == 0 || !amount.IsPositive() {
			continue
		}

		total = total.Add(amount)
		levels = append(levels, Level{Price: price, Amount: amount, Total: total, Orders: count})
	}
	return levels
}
