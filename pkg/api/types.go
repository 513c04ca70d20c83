package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/matching"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// ==============================
// Market Types
// ==============================

// PairInfo represents a listed pair.
type PairInfo struct {
	Symbol         string          `json:"symbol"`
	Slug           string          `json:"slug"`
	Base           string          `json:"base"`
	Quote          string          `json:"quote"`
	BaseToken      string          `json:"baseToken,omitempty"`
	QuoteToken     string          `json:"quoteToken,omitempty"`
	BaseDecimals   int32           `json:"baseDecimals"`
	QuoteDecimals  int32           `json:"quoteDecimals"`
	TickBps        int64           `json:"tickBps"`
	Levels         int             `json:"levels"`
	SyntheticDepth decimal.Decimal `json:"syntheticDepth"`
	Status         string          `json:"status"`
}

func pairInfo(p market.Params) PairInfo {
	info := PairInfo{
		Symbol:         p.Pair.String(),
		Slug:           p.Pair.Slug(),
		Base:           p.Pair.Base,
		Quote:          p.Pair.Quote,
		BaseDecimals:   p.BaseDecimals,
		QuoteDecimals:  p.QuoteDecimals,
		TickBps:        p.TickBps,
		Levels:         p.Levels,
		SyntheticDepth: p.SyntheticDepth,
		Status:         p.Status.String(),
	}
	if p.BaseToken != (common.Address{}) {
		info.BaseToken = p.BaseToken.Hex()
	}
	if p.QuoteToken != (common.Address{}) {
		info.QuoteToken = p.QuoteToken.Hex()
	}
	return info
}

// TradesResponse wraps recent trades, newest first.
type TradesResponse struct {
	Pair   string           `json:"pair"`
	Trades []matching.Trade `json:"trades"`
}

// ==============================
// Order Types
// ==============================

// SubmitOrderResponse is returned for POST /orders.
type SubmitOrderResponse struct {
	Status string       `json:"status"` // "accepted", "filled", "failed"
	Order  orders.Order `json:"order"`
	Error  string       `json:"error,omitempty"`
}

// CancelOrderRequest proves ownership of the order being cancelled.
type CancelOrderRequest struct {
	Address string `json:"address"`
}

// OrdersResponse lists an account's orders, newest first.
type OrdersResponse struct {
	Address string         `json:"address"`
	Orders  []orders.Order `json:"orders"`
}

// ==============================
// Service Types
// ==============================

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type StatsResponse struct {
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	PendingOrders int            `json:"pendingOrders"`
	CachedPrices  int            `json:"cachedPrices"`
	Uptime        float64        `json:"uptime"` // seconds
	Orders        orders.Stats   `json:"orders"`
	Engine        matching.Stats `json:"engine"`
	Hub           hub.Stats      `json:"hub"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
