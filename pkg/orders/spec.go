package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Validate checks the kind-specific requirements of a new order.
func (s Spec) Validate(now time.Time) error {
	if NormalizeOwner(s.Owner) == "" {
		return invalid("address", "is required")
	}
	if s.Pair.IsZero() {
		return invalid("pair", "is required")
	}
	if !s.Side.Valid() {
		return invalid("side", "must be buy or sell")
	}
	if !s.Kind.Valid() {
		return invalid("type", "must be market, limit, stop or stop_limit")
	}
	if !s.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}

	needLimit := s.Kind == Limit || s.Kind == StopLimit
	needStop := s.Kind == Stop || s.Kind == StopLimit
	if needLimit && s.LimitPrice == nil {
		return invalid("limitPrice", "is required for "+string(s.Kind)+" orders")
	}
	if needStop && s.StopPrice == nil {
		return invalid("stopPrice", "is required for "+string(s.Kind)+" orders")
	}
	if !positiveOrNil(s.LimitPrice) {
		return invalid("limitPrice", "must be positive")
	}
	if !positiveOrNil(s.StopPrice) {
		return invalid("stopPrice", "must be positive")
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return invalid("expiresAt", "must be in the future")
	}
	return nil
}

func positiveOrNil(d *decimal.Decimal) bool {
	return d == nil || d.IsPositive()
}
