// Package stream pushes engine events and periodic market data to hub
// subscribers.
package stream

import (
	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/matching"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
	"github.com/uhyunpark/qiedex/pkg/wire"
)

// Notifier routes order events to the owning connections and trades to the
// pair's trade subscribers.
type Notifier struct {
	hub   *hub.Hub
	clock util.Clock
	log   *zap.SugaredLogger
}

var _ matching.Notifier = (*Notifier)(nil)

func NewNotifier(h *hub.Hub, clock util.Clock, log *zap.SugaredLogger) *Notifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Notifier{hub: h, clock: clock, log: util.OrNop(log)}
}

func (n *Notifier) toOwner(owner, kind string, v any) {
	sent, err := n.hub.NotifyOwner(owner, v)
	if err != nil {
		n.log.Warnw("notify_failed", "type", kind, "owner", owner, "err", err)
		return
	}
	n.log.Debugw("notified", "type", kind, "owner", owner, "connections", sent)
}

func (n *Notifier) OrderFilled(o orders.Order, f orders.Fill) {
	n.toOwner(o.Owner, wire.TypeOrderFilled, wire.NewOrderFilled(o, f, n.clock.Now()))
}

func (n *Notifier) OrderFailed(o orders.Order, reason string) {
	n.toOwner(o.Owner, wire.TypeOrderFailed, wire.NewOrderFailed(o, reason, n.clock.Now()))
}

func (n *Notifier) OrderExpired(o orders.Order) {
	n.toOwner(o.Owner, wire.TypeOrderExpired, wire.NewOrderExpired(o, n.clock.Now()))
}

func (n *Notifier) Trade(t matching.Trade) {
	msg := wire.NewTrades(t.Pair.String(), []matching.Trade{t}, n.clock.Now())
	if _, err := n.hub.Publish(msg, hub.OnPair(hub.Trades, t.Pair)); err != nil {
		n.log.Warnw("trade_publish_failed", "pair", t.Pair, "err", err)
	}
}
