package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/util"
)

// FileJournal appends every order transition and fill as one JSON line. It
// is an audit trail, not a recovery source.
type FileJournal struct {
	mu    sync.Mutex
	f     *os.File
	clock util.Clock
}

func NewFileJournal(path string, clock util.Clock) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &FileJournal{f: f, clock: clock}, nil
}

func (j *FileJournal) append(ev Event) error {
	line, err := encodeJSON(ev)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := fmt.Fprintln(j.f, string(line)); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *FileJournal) Persist(_ context.Context, o orders.Order) error {
	return j.append(orderEvent(o, j.now()))
}

func (j *FileJournal) RecordFill(_ context.Context, o orders.Order, f orders.Fill) error {
	return j.append(fillEvent(o, f, j.now()))
}

func (j *FileJournal) now() time.Time { return j.clock.Now() }

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ orders.Persistence = (*FileJournal)(nil)
