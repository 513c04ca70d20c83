package storage

import (
	"encoding/json"
	"time"

	"github.com/uhyunpark/qiedex/pkg/orders"
)

// Event types written to the journal and the event stream.
const (
	EventOrder = "order"
	EventFill  = "fill"
)

// Event is the envelope shared by the journal and Kafka.
type Event struct {
	Type  string       `json:"type"`
	Order orders.Order `json:"order"`
	Fill  *orders.Fill `json:"fill,omitempty"`
	At    time.Time    `json:"at"`
}

func orderEvent(o orders.Order, at time.Time) Event {
	return Event{Type: EventOrder, Order: o, At: at}
}

func fillEvent(o orders.Order, f orders.Fill, at time.Time) Event {
	return Event{Type: EventFill, Order: o, Fill: &f, At: at}
}

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

func decodeJSON(b []byte, v any) error { return json.Unmarshal(b, v) }
