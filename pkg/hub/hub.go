// Package hub tracks client connections and their subscriptions and fans
// events out to them.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

type Channel string

const (
	Orderbook Channel = "orderbook"
	Trades    Channel = "trades"
	Prices    Channel = "prices"
)

func (c Channel) Valid() bool {
	return c == Orderbook || c == Trades || c == Prices
}

var (
	// ErrConnectionClosed is returned by Conn.Send after the socket is gone.
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrUnknownChannel    = errors.New("unknown channel")
)

// Conn is one client's outbound side. Send must not block; implementations
// drop the message when they cannot accept it.
type Conn interface {
	Send(msg []byte) error
}

// Subscription is a point-in-time copy of what a connection listens to.
type Subscription struct {
	ConnectionID string
	Channels     map[Channel]struct{}
	Pairs        map[market.Pair]struct{}
	Owner        string
}

func (s Subscription) HasChannel(c Channel) bool {
	_, ok := s.Channels[c]
	return ok
}

func (s Subscription) HasPair(p market.Pair) bool {
	_, ok := s.Pairs[p]
	return ok
}

// ChannelList returns the channels in a stable order.
func (s Subscription) ChannelList() []Channel {
	out := make([]Channel, 0, len(s.Channels))
	for c := range s.Channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Subscription) clone() Subscription {
	cp := Subscription{
		ConnectionID: s.ConnectionID,
		Channels:     make(map[Channel]struct{}, len(s.Channels)),
		Pairs:        make(map[market.Pair]struct{}, len(s.Pairs)),
		Owner:        s.Owner,
	}
	for c := range s.Channels {
		cp.Channels[c] = struct{}{}
	}
	for p := range s.Pairs {
		cp.Pairs[p] = struct{}{}
	}
	return cp
}

// Filter selects the connections an event goes to.
type Filter func(Subscription) bool

// All matches every connection.
func All(Subscription) bool { return true }

// OnChannel matches connections subscribed to c.
func OnChannel(c Channel) Filter {
	return func(s Subscription) bool { return s.HasChannel(c) }
}

// OnPair matches connections subscribed to both c and pair.
func OnPair(c Channel, pair market.Pair) Filter {
	return func(s Subscription) bool { return s.HasChannel(c) && s.HasPair(pair) }
}

type member struct {
	conn Conn
	sub  Subscription
}

type Stats struct {
	Connections   int            `json:"connections"`
	Subscriptions int            `json:"subscriptions"`
	Channels      map[string]int `json:"channels"`
	Sent          uint64         `json:"sent"`
	Dropped       uint64         `json:"dropped"`
}

// Hub is safe for concurrent use. Publishing snapshots its targets under a
// read lock and sends outside it, so connections may come and go while an
// event is being delivered.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	log     *zap.SugaredLogger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(log *zap.SugaredLogger) *Hub {
	return &Hub{
		members: make(map[string]*member),
		log:     util.OrNop(log),
	}
}

// Add registers a connection with an empty subscription.
func (h *Hub) Add(id string, conn Conn) {
	h.mu.Lock()
	h.members[id] = &member{
		conn: conn,
		sub: Subscription{
			ConnectionID: id,
			Channels:     make(map[Channel]struct{}),
			Pairs:        make(map[market.Pair]struct{}),
		},
	}
	n := len(h.members)
	h.mu.Unlock()
	h.log.Infow("ws_connected", "conn_id", id, "total", n)
}

// Remove forgets a connection. Removing an unknown id is a no-op.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	_, ok := h.members[id]
	delete(h.members, id)
	n := len(h.members)
	h.mu.Unlock()
	if ok {
		h.log.Infow("ws_disconnected", "conn_id", id, "total", n)
	}
	return ok
}

// Subscribe merges channels, pair and owner into the connection's
// subscription. A zero pair or empty owner leaves that part unchanged.
func (h *Hub) Subscribe(id string, channels []Channel, pair market.Pair, owner string) (Subscription, error) {
	for _, c := range channels {
		if !c.Valid() {
			return Subscription{}, fmt.Errorf("subscribe %q: %w", c, ErrUnknownChannel)
		}
	}

	h.mu.Lock()
	m, ok := h.members[id]
	if !ok {
		h.mu.Unlock()
		return Subscription{}, fmt.Errorf("subscribe %s: %w", id, ErrUnknownConnection)
	}
	for _, c := range channels {
		m.sub.Channels[c] = struct{}{}
	}
	if !pair.IsZero() {
		m.sub.Pairs[pair] = struct{}{}
	}
	if owner != "" {
		m.sub.Owner = orders.NormalizeOwner(owner)
	}
	out := m.sub.clone()
	h.mu.Unlock()

	h.log.Debugw("ws_subscribed", "conn_id", id, "channels", channels, "pair", pair.String(), "owner", out.Owner)
	return out, nil
}

// Unsubscribe removes channel and/or pair. With neither given every channel
// and pair is dropped; the owner binding is kept.
func (h *Hub) Unsubscribe(id string, channel Channel, pair market.Pair) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return Subscription{}, fmt.Errorf("unsubscribe %s: %w", id, ErrUnknownConnection)
	}
	if channel == "" && pair.IsZero() {
		m.sub.Channels = make(map[Channel]struct{})
		m.sub.Pairs = make(map[market.Pair]struct{})
		return m.sub.clone(), nil
	}
	if channel != "" {
		delete(m.sub.Channels, channel)
	}
	if !pair.IsZero() {
		delete(m.sub.Pairs, pair)
	}
	return m.sub.clone(), nil
}

// Subscription returns a copy of the connection's subscription.
func (h *Hub) Subscription(id string) (Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[id]
	if !ok {
		return Subscription{}, false
	}
	return m.sub.clone(), true
}

type target struct {
	id   string
	conn Conn
}

func (h *Hub) targets(match func(*member) bool) []target {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []target
	for id, m := range h.members {
		if match(m) {
			out = append(out, target{id: id, conn: m.conn})
		}
	}
	return out
}

func (h *Hub) deliver(ts []target, msg []byte) int {
	delivered := 0
	for _, t := range ts {
		if err := t.conn.Send(msg); err != nil {
			h.dropped.Add(1)
			h.log.Debugw("ws_send_dropped", "conn_id", t.id, "err", err)
			continue
		}
		h.sent.Add(1)
		delivered++
	}
	return delivered
}

// Publish encodes v once and sends it to every connection matching filter.
// Delivery is best effort; it returns how many sends succeeded.
func (h *Hub) Publish(v any, filter Filter) (int, error) {
	msg, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	if filter == nil {
		filter = All
	}
	ts := h.targets(func(m *member) bool { return filter(m.sub) })
	return h.deliver(ts, msg), nil
}

// NotifyConnection sends v to one connection.
func (h *Hub) NotifyConnection(id string, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("notify %s: %w", id, err)
	}
	h.mu.RLock()
	m, ok := h.members[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notify %s: %w", id, ErrUnknownConnection)
	}
	if err := m.conn.Send(msg); err != nil {
		h.dropped.Add(1)
		return fmt.Errorf("notify %s: %w", id, err)
	}
	h.sent.Add(1)
	return nil
}

// NotifyOwner sends v to every connection bound to owner and returns how
// many received it.
func (h *Hub) NotifyOwner(owner string, v any) (int, error) {
	if owner == "" {
		return 0, nil
	}
	msg, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("notify owner: %w", err)
	}
	ts := h.targets(func(m *member) bool {
		return m.sub.Owner != "" && orders.SameOwner(m.sub.Owner, owner)
	})
	return h.deliver(ts, msg), nil
}

// Pairs returns every pair some connection follows on channel c.
func (h *Hub) Pairs(c Channel) []market.Pair {
	h.mu.RLock()
	set := make(map[market.Pair]struct{})
	for _, m := range h.members {
		if !m.sub.HasChannel(c) {
			continue
		}
		for p := range m.sub.Pairs {
			set[p] = struct{}{}
		}
	}
	h.mu.RUnlock()

	out := make([]market.Pair, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{
		Connections: len(h.members),
		Channels:    make(map[string]int),
	}
	for _, m := range h.members {
		if len(m.sub.Channels) > 0 {
			s.Subscriptions++
		}
		for c := range m.sub.Channels {
			s.Channels[string(c)]++
		}
	}
	h.mu.RUnlock()

	s.Sent = h.sent.Load()
	s.Dropped = h.dropped.Load()
	return s
}
