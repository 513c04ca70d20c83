// Package settlement executes triggered orders as swaps.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

// ErrSettlementFailed matches every settlement failure.
var ErrSettlementFailed = errors.New("settlement failed")

// Failure is an all-or-nothing settlement rejection: nothing was executed.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("settlement failed: %s: %v", f.Reason, f.Err)
	}
	return "settlement failed: " + f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool { return target == ErrSettlementFailed }

// Fail builds a Failure.
func Fail(reason string, cause error) error {
	return &Failure{Reason: reason, Err: cause}
}

// ErrUnconfirmed matches every Unconfirmed outcome.
var ErrUnconfirmed = errors.New("settlement unconfirmed")

// Unconfirmed reports a swap that was broadcast but never confirmed. It may
// still be mined, so the order must not be submitted again.
type Unconfirmed struct {
	TxHash string
	Err    error
}

func (u *Unconfirmed) Error() string {
	return fmt.Sprintf("swap %s not confirmed: %v", u.TxHash, u.Err)
}

func (u *Unconfirmed) Unwrap() error { return u.Err }

func (u *Unconfirmed) Is(target error) bool { return target == ErrUnconfirmed }

// Reason extracts a user-facing reason from a settlement error.
func Reason(err error) string {
	var u *Unconfirmed
	if errors.As(err, &u) {
		return "swap " + u.TxHash + " not confirmed"
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "settlement timed out"
	}
	return err.Error()
}

// Request describes one swap. AmountIn is in the input token (base for
// sells, quote for buys); Path lists token symbols from input to output.
type Request struct {
	OrderID      string          `json:"orderId"`
	Owner        string          `json:"owner"`
	Pair         market.Pair     `json:"pair"`
	Side         orders.Side     `json:"side"`
	Path         []string        `json:"path"`
	AmountIn     decimal.Decimal `json:"amountIn"`
	QuotedOut    decimal.Decimal `json:"quotedOut"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
	Price        decimal.Decimal `json:"price"`
}

// Settlement submits a swap and blocks until it is final. It is called at
// most once per trigger. A Failure means nothing executed and the order may
// be retried; an Unconfirmed means the outcome is unknown and it may not.
type Settlement interface {
	Submit(ctx context.Context, req Request) (orders.SettlementInfo, error)
}

// Func adapts a function to Settlement.
type Func func(ctx context.Context, req Request) (orders.SettlementInfo, error)

func (f Func) Submit(ctx context.Context, req Request) (orders.SettlementInfo, error) {
	return f(ctx, req)
}

var bps = decimal.NewFromInt(10000)

// QuotedOut is the expected output of swapping amountIn at price
// (quote per base).
func QuotedOut(side orders.Side, amountIn, price decimal.Decimal) decimal.Decimal {
	if side == orders.Sell {
		return amountIn.Mul(price)
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return amountIn.DivRound(price, 18)
}

// MinOut applies the slippage tolerance to a quoted output.
func MinOut(quoted decimal.Decimal, slippageBps int64) decimal.Decimal {
	return quoted.Mul(bps.Sub(decimal.NewFromInt(slippageBps))).Div(bps)
}

// Path returns the swap path in token symbols.
func Path(pair market.Pair, side orders.Side) []string {
	if side == orders.Sell {
		return []string{pair.Base, pair.Quote}
	}
	return []string{pair.Quote, pair.Base}
}

// NewRequest builds the request for executing the remaining amount of o at price.
func NewRequest(o orders.Order, price decimal.Decimal, slippageBps int64) Request {
	quoted := QuotedOut(o.Side, o.Remaining, price)
	return Request{
		OrderID:      o.ID,
		Owner:        o.Owner,
		Pair:         o.Pair,
		Side:         o.Side,
		Path:         Path(o.Pair, o.Side),
		AmountIn:     o.Remaining,
		QuotedOut:    quoted,
		MinAmountOut: MinOut(quoted, slippageBps),
		Price:        price,
	}
}
