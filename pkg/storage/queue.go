package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

var (
	ErrQueueFull   = errors.New("persistence queue full")
	ErrQueueClosed = errors.New("persistence queue closed")
)

type job struct {
	order orders.Order
	fill  *orders.Fill
}

// Queue decouples the registry from slow backends. Writes are applied in
// submission order by a single worker; when the buffer is full new writes
// are dropped and counted rather than blocking the caller.
type Queue struct {
	next    orders.Persistence
	jobs    chan job
	timeout time.Duration
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewQueue(next orders.Persistence, size int, timeout time.Duration, log *zap.SugaredLogger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	q := &Queue{
		next:    next,
		jobs:    make(chan job, size),
		timeout: timeout,
		log:     util.OrNop(log),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		var err error
		if j.fill != nil {
			err = q.next.RecordFill(ctx, j.order, *j.fill)
		} else {
			err = q.next.Persist(ctx, j.order)
		}
		cancel()
		if err != nil {
			q.failed.Add(1)
			q.log.Warnw("persist_failed", "order_id", j.order.ID, "fill", j.fill != nil, "err", err)
		}
	}
}

func (q *Queue) enqueue(j job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- j:
		return nil
	default:
		q.dropped.Add(1)
		q.log.Warnw("persist_dropped", "order_id", j.order.ID)
		return ErrQueueFull
	}
}

func (q *Queue) Persist(_ context.Context, o orders.Order) error {
	return q.enqueue(job{order: o})
}

func (q *Queue) RecordFill(_ context.Context, o orders.Order, f orders.Fill) error {
	return q.enqueue(job{order: o, fill: &f})
}

// Close stops accepting writes and waits for queued ones to drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}

// Dropped returns how many writes were rejected because the buffer was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Failed returns how many writes the backend rejected.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

var _ orders.Persistence = (*Queue)(nil)
