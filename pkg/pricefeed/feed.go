// Package pricefeed supplies current mid prices and 24h stats per pair.
package pricefeed

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
)

// ErrNotAvailable means no price is known for the pair right now. Callers
// treat the pair as untradable for the current pass.
var ErrNotAvailable = errors.New("price not available")

// Quote is a price observation for one pair.
type Quote struct {
	Pair      market.Pair     `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	AsOf      time.Time       `json:"asOf"`
}

// Source fetches a fresh quote from an oracle, router or mock.
type Source interface {
	Fetch(ctx context.Context, pair market.Pair) (Quote, error)
}

// Feed is what the engine, book and API consume.
type Feed interface {
	Price(ctx context.Context, pair market.Pair) (Quote, error)
}

var (
	highFactor = decimal.RequireFromString("1.05")
	lowFactor  = decimal.RequireFromString("0.95")
)

// withBand fills 24h high/low as a +/-5% band around price when the source
// has no real range.
func withBand(q Quote) Quote {
	if q.High24h.IsZero() {
		q.High24h = q.Price.Mul(highFactor)
	}
	if q.Low24h.IsZero() {
		q.Low24h = q.Price.Mul(lowFactor)
	}
	return q
}
