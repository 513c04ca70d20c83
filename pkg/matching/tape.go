package matching

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// Trade is the public record of one execution. Amount is in base units,
// Total in quote units.
type Trade struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Pair      market.Pair     `json:"pair"`
	Side      orders.Side     `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"total"`
	TxHash    string          `json:"txHash,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeFromFill converts a fill (denominated in the order's input token) to
// base/quote terms.
func TradeFromFill(o orders.Order, f orders.Fill) Trade {
	t := Trade{
		ID:        f.ID,
		OrderID:   o.ID,
		Pair:      o.Pair,
		Side:      o.Side,
		Price:     f.Price,
		TxHash:    f.Settlement.TxHash,
		Timestamp: f.Timestamp,
	}
	switch {
	case o.Side == orders.Sell:
		t.Amount = f.Amount
		t.Total = f.Amount.Mul(f.Price)
	case f.Settlement.AmountOut.IsPositive():
		t.Amount = f.Settlement.AmountOut
		t.Total = f.Amount
	case f.Price.IsPositive():
		t.Amount = f.Amount.DivRound(f.Price, 8)
		t.Total = f.Amount
	default:
		t.Amount = decimal.Zero
		t.Total = f.Amount
	}
	return t
}

// Tape keeps the most recent trades per pair.
type Tape struct {
	mu     sync.RWMutex
	size   int
	trades map[market.Pair][]Trade
}

func NewTape(size int) *Tape {
	if size <= 0 {
		size = 50
	}
	return &Tape{size: size, trades: make(map[market.Pair][]Trade)}
}

// Record appends t, evicting the oldest trade of the pair when full.
func (t *Tape) Record(tr Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := append(t.trades[tr.Pair], tr)
	if len(list) > t.size {
		list = append([]Trade(nil), list[len(list)-t.size:]...)
	}
	t.trades[tr.Pair] = list
}

// Recent returns up to n trades of pair, newest first. n <= 0 means all.
func (t *Tape) Recent(pair market.Pair, n int) []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.trades[pair]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Trade, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// RecordFill replays a persisted fill onto the tape.
func (t *Tape) RecordFill(f orders.Fill) {
	t.Record(TradeFromFill(orders.Order{ID: f.OrderID, Pair: f.Pair, Side: f.Side}, f))
}
