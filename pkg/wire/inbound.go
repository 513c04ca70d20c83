// Package wire defines the JSON messages exchanged over the WebSocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/qiedex/pkg/hub"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Inbound is a client-to-server message. The set of implementations is
// closed; handlers switch over the concrete types.
type Inbound interface {
	inbound()
}

type Subscribe struct {
	Channels []hub.Channel `json:"channels"`
	Pair     string        `json:"pair,omitempty"`
	Address  string        `json:"address,omitempty"`
}

type Unsubscribe struct {
	Channel hub.Channel `json:"channel,omitempty"`
	Pair    string      `json:"pair,omitempty"`
}

type GetOrderbook struct {
	Pair string `json:"pair"`
}

type GetPrice struct {
	Pair string `json:"pair"`
}

type Ping struct{}

func (Subscribe) inbound()    {}
func (Unsubscribe) inbound()  {}
func (GetOrderbook) inbound() {}
func (GetPrice) inbound()     {}
func (Ping) inbound()         {}

// DecodeInbound parses one client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var msg Inbound
	switch env.Type {
	case "subscribe":
		var m Subscribe
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode subscribe: %w", err)
		}
		msg = m
	case "unsubscribe":
		var m Unsubscribe
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode unsubscribe: %w", err)
		}
		msg = m
	case "get_orderbook":
		var m GetOrderbook
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode get_orderbook: %w", err)
		}
		msg = m
	case "get_price":
		var m GetPrice
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode get_price: %w", err)
		}
		msg = m
	case "ping":
		msg = Ping{}
	default:
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownMessage)
	}
	return msg, nil
}
