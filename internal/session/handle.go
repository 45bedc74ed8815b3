package session

import (
	"sync"

	"github.com/google/uuid"

	"marketflow/internal/aggregation"
	"marketflow/internal/budget"
)

// Handle tracks one backfill request until its result has been merged.
type Handle struct {
	ID   uuid.UUID
	Kind budget.Kind

	once    sync.Once
	done    chan struct{}
	err     error
	keys    []aggregation.IntervalKey
	skipped bool
}

func newHandle(id uuid.UUID, kind budget.Kind) *Handle {
	return &Handle{ID: id, Kind: kind, done: make(chan struct{})}
}

// satisfiedHandle is returned when an equivalent request completed
// recently. It is already done and fetches nothing.
func satisfiedHandle(id uuid.UUID, kind budget.Kind) *Handle {
	h := newHandle(id, kind)
	h.skipped = true
	h.resolve(nil, nil)
	return h
}

func (h *Handle) resolve(keys []aggregation.IntervalKey, err error) {
	h.once.Do(func() {
		h.keys = keys
		h.err = err
		close(h.done)
	})
}

// Done is closed once the result has been merged or the request failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is valid after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Keys lists the buckets inserted by the backfill.
func (h *Handle) Keys() []aggregation.IntervalKey {
	<-h.done
	return h.keys
}

// Skipped reports that an equivalent request had already been satisfied.
func (h *Handle) Skipped() bool {
	return h.skipped
}
