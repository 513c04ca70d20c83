package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

type Kind string

const (
	Market    Kind = "market"
	Limit     Kind = "limit"
	Stop      Kind = "stop"
	StopLimit Kind = "stop_limit"
)

func (k Kind) Valid() bool {
	switch k {
	case Market, Limit, Stop, StopLimit:
		return true
	}
	return false
}

// Status is the lifecycle state of an order.
//
//	open -> partial -> filled
//	open -> filled
//	open|partial -> cancelled | expired | halted
//
// filled, cancelled, expired and halted are terminal.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusHalted    Status = "halted" // corrupted state or unconfirmed swap; needs reconciliation
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusHalted:
		return true
	}
	return false
}

// Resting reports whether an order in state s is still awaiting execution.
func (s Status) Resting() bool { return s == StatusOpen || s == StatusPartial }

// SettlementInfo is the receipt of one on-chain execution.
type SettlementInfo struct {
	TxHash        string          `json:"txHash,omitempty"`
	BlockNumber   uint64          `json:"blockNumber,omitempty"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	GasUsed       uint64          `json:"gasUsed,omitempty"`
	AmountOut     decimal.Decimal `json:"amountOut"`
}

// Fill records one execution applied to an order.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Pair       market.Pair     `json:"pair"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
	Settlement SettlementInfo  `json:"settlement"`
}

// Spec is the caller-supplied description of a new order.
type Spec struct {
	Owner      string           `json:"address"`
	Pair       market.Pair      `json:"pair"`
	Side       Side             `json:"side"`
	Kind       Kind             `json:"type"`
	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
}

// Order is one resting or historical trading intent.
//
// Amount is denominated in the input token of the swap: the base token for
// sells and the quote token for buys. Filled + Remaining == Amount always.
type Order struct {
	ID           string           `json:"id"`
	Owner        string           `json:"ownerAddress"`
	Pair         market.Pair      `json:"pair"`
	Side         Side             `json:"side"`
	Kind         Kind             `json:"kind"`
	OriginalKind Kind             `json:"originalKind"`
	Amount       decimal.Decimal  `json:"amount"`
	Filled       decimal.Decimal  `json:"filled"`
	Remaining    decimal.Decimal  `json:"remaining"`
	LimitPrice   *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice    *decimal.Decimal `json:"stopPrice,omitempty"`
	Triggered    bool             `json:"triggered"`
	Status       Status           `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
	Settlement   *SettlementInfo  `json:"settlement,omitempty"`
	Fills        []Fill           `json:"fills,omitempty"`
	CancelReason string           `json:"cancelReason,omitempty"`
	HaltReason   string           `json:"haltReason,omitempty"`
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (o *Order) Clone() Order {
	cp := *o
	if o.LimitPrice != nil {
		v := *o.LimitPrice
		cp.LimitPrice = &v
	}
	if o.StopPrice != nil {
		v := *o.StopPrice
		cp.StopPrice = &v
	}
	if o.ExpiresAt != nil {
		v := *o.ExpiresAt
		cp.ExpiresAt = &v
	}
	if o.Settlement != nil {
		v := *o.Settlement
		cp.Settlement = &v
	}
	if o.Fills != nil {
		cp.Fills = append([]Fill(nil), o.Fills...)
	}
	return cp
}

// Expired reports whether the order's deadline has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// String is used in log lines.
func (o *Order) String() string {
	return fmt.Sprintf("%s %s %s %s %s", o.ID, o.Pair, o.Side, o.Kind, o.Remaining)
}

// NormalizeOwner canonicalises owner identities. Hex addresses are rewritten in
// EIP-55 checksum form; anything else is kept as an opaque trimmed string.
func NormalizeOwner(owner string) string {
	owner = strings.TrimSpace(owner)
	if common.IsHexAddress(owner) {
		return common.HexToAddress(owner).Hex()
	}
	return owner
}

// SameOwner compares two owner identities case-insensitively.
func SameOwner(a, b string) bool {
	return strings.EqualFold(NormalizeOwner(a), NormalizeOwner(b))
}
