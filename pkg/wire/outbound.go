package wire

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/book"
	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/matching"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
)

// Outbound message types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeOrderbook    = "orderbook"
	TypeTrades       = "trades"
	TypePrice        = "price"
	TypePrices       = "prices"
	TypeOrderFilled  = "order_filled"
	TypeOrderFailed  = "order_failed"
	TypeOrderExpired = "order_expired"
	TypePong         = "pong"
	TypeError        = "error"
)

// Millis is the wire timestamp: Unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

type Connected struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

func NewConnected(id string, now time.Time) Connected {
	return Connected{Type: TypeConnected, UserID: id, Timestamp: Millis(now)}
}

type Subscribed struct {
	Type     string        `json:"type"`
	Channels []hub.Channel `json:"channels"`
	Pair     string        `json:"pair,omitempty"`
}

func NewSubscribed(channels []hub.Channel, pair string) Subscribed {
	if channels == nil {
		channels = []hub.Channel{}
	}
	return Subscribed{Type: TypeSubscribed, Channels: channels, Pair: pair}
}

type Orderbook struct {
	Type      string         `json:"type"`
	Data      *book.Snapshot `json:"data"`
	Pair      string         `json:"pair"`
	Timestamp int64          `json:"timestamp"`
}

func NewOrderbook(s *book.Snapshot, now time.Time) Orderbook {
	return Orderbook{Type: TypeOrderbook, Data: s, Pair: s.Pair.String(), Timestamp: Millis(now)}
}

type Trades struct {
	Type      string           `json:"type"`
	Data      []matching.Trade `json:"data"`
	Pair      string           `json:"pair"`
	Timestamp int64            `json:"timestamp"`
}

func NewTrades(pair string, trades []matching.Trade, now time.Time) Trades {
	if trades == nil {
		trades = []matching.Trade{}
	}
	return Trades{Type: TypeTrades, Data: trades, Pair: pair, Timestamp: Millis(now)}
}

type Price struct {
	Type      string          `json:"type"`
	Data      pricefeed.Quote `json:"data"`
	Pair      string          `json:"pair"`
	Timestamp int64           `json:"timestamp"`
}

func NewPrice(q pricefeed.Quote, now time.Time) Price {
	return Price{Type: TypePrice, Data: q, Pair: q.Pair.String(), Timestamp: Millis(now)}
}

type Prices struct {
	Type      string            `json:"type"`
	Data      []pricefeed.Quote `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

func NewPrices(quotes []pricefeed.Quote, now time.Time) Prices {
	if quotes == nil {
		quotes = []pricefeed.Quote{}
	}
	return Prices{Type: TypePrices, Data: quotes, Timestamp: Millis(now)}
}

type OrderFilled struct {
	Type          string          `json:"type"`
	OrderID       string          `json:"orderId"`
	TxHash        string          `json:"txHash,omitempty"`
	BlockNumber   uint64          `json:"blockNumber,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	Amount        decimal.Decimal `json:"amount"`
	Order         orders.Order    `json:"order"`
	Timestamp     int64           `json:"timestamp"`
}

func NewOrderFilled(o orders.Order, f orders.Fill, now time.Time) OrderFilled {
	return OrderFilled{
		Type:          TypeOrderFilled,
		OrderID:       o.ID,
		TxHash:        f.Settlement.TxHash,
		BlockNumber:   f.Settlement.BlockNumber,
		ExecutedPrice: f.Price,
		Amount:        f.Amount,
		Order:         o,
		Timestamp:     Millis(now),
	}
}

type OrderFailed struct {
	Type      string       `json:"type"`
	OrderID   string       `json:"orderId"`
	Reason    string       `json:"reason"`
	Order     orders.Order `json:"order"`
	Timestamp int64        `json:"timestamp"`
}

func NewOrderFailed(o orders.Order, reason string, now time.Time) OrderFailed {
	return OrderFailed{Type: TypeOrderFailed, OrderID: o.ID, Reason: reason, Order: o, Timestamp: Millis(now)}
}

type OrderExpired struct {
	Type      string       `json:"type"`
	OrderID   string       `json:"orderId"`
	Order     orders.Order `json:"order"`
	Timestamp int64        `json:"timestamp"`
}

func NewOrderExpired(o orders.Order, now time.Time) OrderExpired {
	return OrderExpired{Type: TypeOrderExpired, OrderID: o.ID, Order: o, Timestamp: Millis(now)}
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPong(now time.Time) Pong { return Pong{Type: TypePong, Timestamp: Millis(now)} }

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(msg string) Error { return Error{Type: TypeError, Message: msg} }
