package storage

import (
	"context"
	"errors"

	"github.com/uhyunpark/qiedex/pkg/orders"
)

// Multi fans every write out to each sink and joins their errors.
type Multi []orders.Persistence

func (m Multi) Persist(ctx context.Context, o orders.Order) error {
	var errs []error
	for _, p := range m {
		if err := p.Persist(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordFill(ctx context.Context, o orders.Order, f orders.Fill) error {
	var errs []error
	for _, p := range m {
		if err := p.RecordFill(ctx, o, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
