package matching

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/orders"
)

type action int

const (
	hold action = iota
	convert
	execute
)

func (a action) String() string {
	switch a {
	case convert:
		return "convert"
	case execute:
		return "execute"
	}
	return "hold"
}

// evaluate decides what to do with a resting order at price p.
//
//	limit      buy p <= limit   sell p >= limit
//	stop       buy p >= stop    sell p <= stop
//	stop_limit untriggered: stop condition converts it to limit, no execution
func evaluate(o orders.Order, p decimal.Decimal) action {
	switch o.Kind {
	case orders.Limit:
		if limitHit(o, p) {
			return execute
		}
	case orders.Stop:
		if stopHit(o, p) {
			return execute
		}
	case orders.StopLimit:
		if o.Triggered {
			if limitHit(o, p) {
				return execute
			}
			return hold
		}
		if stopHit(o, p) {
			return convert
		}
	}
	return hold
}

func limitHit(o orders.Order, p decimal.Decimal) bool {
	if o.LimitPrice == nil {
		return false
	}
	if o.Side == orders.Buy {
		return p.LessThanOrEqual(*o.LimitPrice)
	}
	return p.GreaterThanOrEqual(*o.LimitPrice)
}

func stopHit(o orders.Order, p decimal.Decimal) bool {
	if o.StopPrice == nil {
		return false
	}
	if o.Side == orders.Buy {
		return p.GreaterThanOrEqual(*o.StopPrice)
	}
	return p.LessThanOrEqual(*o.StopPrice)
}
