package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	sendBuffer    = 256
	initialTrades = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure properly in production)
	},
}

var errSendBufferFull = errors.New("send buffer full")

// Client is one WebSocket connection. It implements hub.Conn; sends never
// block, a slow reader loses messages instead of stalling the publisher.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ hub.Conn = (*Client)(nil)

func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return hub.ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.server.log.Errorw("ws_encode_failed", "conn_id", c.id, "err", err)
		return
	}
	if err := c.Send(msg); err != nil {
		c.server.log.Debugw("ws_reply_dropped", "conn_id", c.id, "err", err)
	}
}

// readPump pumps messages from the WebSocket to the dispatcher.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.server.hub.Remove(c.id)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warnw("ws_read_error", "conn_id", c.id, "err", err)
			}
			return
		}
		c.server.dispatch(ctx, c, raw)
	}
}

// writePump pumps messages from the send channel to the WebSocket, one
// JSON document per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and registers it with the hub. An
// optional ?address= binds the connection to an owner for order events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &Client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	// connected goes out before the hub can route anything else here
	c.reply(wire.NewConnected(c.id, s.clock.Now()))
	s.hub.Add(c.id, c)
	if addr := r.URL.Query().Get("address"); addr != "" {
		if _, err := s.hub.Subscribe(c.id, nil, market.Pair{}, addr); err != nil {
			s.log.Warnw("ws_bind_owner_failed", "conn_id", c.id, "err", err)
		}
	}

	// r.Context() ends when this handler returns; the pumps outlive it.
	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump()
	go func() {
		defer cancel()
		c.readPump(ctx)
	}()
}

// ==============================
// Inbound Dispatch
// ==============================

func (s *Server) dispatch(ctx context.Context, c *Client, raw []byte) {
	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownMessage) {
			c.reply(wire.NewError("Unknown message type"))
		} else {
			c.reply(wire.NewError("Invalid message format"))
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch m := msg.(type) {
	case wire.Subscribe:
		s.subscribe(ctx, c, m)
	case wire.Unsubscribe:
		s.unsubscribe(c, m)
	case wire.GetOrderbook:
		s.sendOrderbook(ctx, c, m.Pair)
	case wire.GetPrice:
		s.sendPrice(ctx, c, m.Pair)
	case wire.Ping:
		c.reply(wire.NewPong(s.clock.Now()))
	}
}

// listedPair parses an optional pair field. Empty yields the zero pair.
func (s *Server) listedPair(raw string) (market.Pair, error) {
	if raw == "" {
		return market.Pair{}, nil
	}
	pair, err := market.ParsePair(raw)
	if err != nil {
		return market.Pair{}, err
	}
	if !s.markets.Exists(pair) {
		return market.Pair{}, fmt.Errorf("pair %s: %w", pair, market.ErrUnknownPair)
	}
	return pair, nil
}

// subscribe registers interest, then sends the current state of every
// requested channel followed by the subscribed acknowledgement.
func (s *Server) subscribe(ctx context.Context, c *Client, m wire.Subscribe) {
	pair, err := s.listedPair(m.Pair)
	if err != nil {
		c.reply(wire.NewError(err.Error()))
		return
	}
	sub, err := s.hub.Subscribe(c.id, m.Channels, pair, m.Address)
	if err != nil {
		c.reply(wire.NewError(err.Error()))
		return
	}

	now := s.clock.Now()
	for _, ch := range m.Channels {
		switch ch {
		case hub.Orderbook:
			if pair.IsZero() {
				continue
			}
			if snap, err := s.books.Get(ctx, pair); err == nil {
				c.reply(wire.NewOrderbook(snap, now))
			}
		case hub.Trades:
			if pair.IsZero() {
				continue
			}
			c.reply(wire.NewTrades(pair.String(), s.engine.Tape.Recent(pair, initialTrades), now))
		case hub.Prices:
			c.reply(wire.NewPrices(s.quotes(ctx), now))
		}
	}

	var pairName string
	if !pair.IsZero() {
		pairName = pair.String()
	}
	c.reply(wire.NewSubscribed(m.Channels, pairName))
	s.log.Infow("ws_subscribe", "conn_id", c.id, "channels", m.Channels, "pair", pairName, "owner", sub.Owner)
}

func (s *Server) unsubscribe(c *Client, m wire.Unsubscribe) {
	var pair market.Pair
	if m.Pair != "" {
		p, err := market.ParsePair(m.Pair)
		if err != nil {
			c.reply(wire.NewError(err.Error()))
			return
		}
		pair = p
	}
	if m.Channel != "" && !m.Channel.Valid() {
		c.reply(wire.NewError(fmt.Sprintf("unknown channel %q", m.Channel)))
		return
	}
	if _, err := s.hub.Unsubscribe(c.id, m.Channel, pair); err != nil {
		c.reply(wire.NewError(err.Error()))
	}
}

func (s *Server) sendOrderbook(ctx context.Context, c *Client, raw string) {
	pair, err := s.listedPair(raw)
	if err == nil && pair.IsZero() {
		err = errors.New("pair is required")
	}
	if err != nil {
		c.reply(wire.NewError(err.Error()))
		return
	}
	snap, err := s.books.Get(ctx, pair)
	if err != nil {
		c.reply(wire.NewError(fmt.Sprintf("orderbook not available for %s", pair)))
		return
	}
	c.reply(wire.NewOrderbook(snap, s.clock.Now()))
}

func (s *Server) sendPrice(ctx context.Context, c *Client, raw string) {
	pair, err := s.listedPair(raw)
	if err == nil && pair.IsZero() {
		err = errors.New("pair is required")
	}
	if err != nil {
		c.reply(wire.NewError(err.Error()))
		return
	}
	q, err := s.feed.Price(ctx, pair)
	if err != nil {
		c.reply(wire.NewError(fmt.Sprintf("price not available for %s", pair)))
		return
	}
	c.reply(wire.NewPrice(q, s.clock.Now()))
}

func (s *Server) quotes(ctx context.Context) []pricefeed.Quote {
	var out []pricefeed.Quote
	for _, pair := range s.markets.Pairs() {
		if q, err := s.feed.Price(ctx, pair); err == nil {
			out = append(out, q)
		}
	}
	return out
}
