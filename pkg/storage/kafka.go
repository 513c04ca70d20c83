package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// MessageWriter is the slice of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes order and fill events keyed by order ID, so every
// event of one order lands on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
	clock  util.Clock
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, nil)
}

func NewKafkaSinkWithWriter(w MessageWriter, clock util.Clock) *KafkaSink {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &KafkaSink{writer: w, clock: clock}
}

func (k *KafkaSink) send(ctx context.Context, ev Event) error {
	value, err := encodeJSON(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Order.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (k *KafkaSink) Persist(ctx context.Context, o orders.Order) error {
	return k.send(ctx, orderEvent(o, k.clock.Now()))
}

func (k *KafkaSink) RecordFill(ctx context.Context, o orders.Order, f orders.Fill) error {
	return k.send(ctx, fillEvent(o, f, k.clock.Now()))
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

var _ orders.Persistence = (*KafkaSink)(nil)
