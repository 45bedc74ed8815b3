package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names the type of data a pull request fetches.
type Kind string

const (
	KindTrades  Kind = "trades"
	KindCandles Kind = "candles"
	KindDepth   Kind = "depth"

	// KindExchangeInfo covers provider metadata such as published limits.
	KindExchangeInfo Kind = "exchange_info"
)

var (
	// ErrOverlaps is returned when an equivalent request is still pending.
	ErrOverlaps = errors.New("overlapping request pending")
	// ErrAlreadySatisfied is returned when an equivalent request completed
	// within the cooldown. Callers treat it as a silent no-op.
	ErrAlreadySatisfied = errors.New("request already satisfied")
	ErrUnknownRequest   = errors.New("unknown request")
)

// Range is an inclusive interval, usually milliseconds.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r Range) Valid() bool { return r.From <= r.To }

// Overlaps uses inclusive bounds on both ends.
func (r Range) Overlaps(o Range) bool {
	return r.From <= o.To && o.From <= r.To
}

// Status of a registered request.
type Status uint8

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Request is a registry entry. Entries are copied out, never shared.
type Request struct {
	ID     uuid.UUID
	Kind   Kind
	Key    string
	Range  Range
	Status Status
	At     time.Time
	Err    error
}

// Same reports whether r and o describe the same data.
func (r Request) Same(kind Kind, key string, rng Range) bool {
	return r.Kind == kind && r.Key == key && r.Range.Overlaps(rng)
}

// PriorFailureError surfaces a recent failure of an equivalent request.
type PriorFailureError struct {
	Request Request
}

func (e *PriorFailureError) Error() string {
	return fmt.Sprintf("equivalent request %s failed at %s: %v", e.Request.ID, e.Request.At.Format(time.RFC3339), e.Request.Err)
}

func (e *PriorFailureError) Unwrap() error { return e.Request.Err }

// Registry deduplicates in-flight and recently finished requests. Finished
// entries are forgotten once cooldown has elapsed.
type Registry struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*Request
	cooldown time.Duration
	now      func() time.Time
}

func NewRegistry(cooldown time.Duration) *Registry {
	return &Registry{
		entries:  make(map[uuid.UUID]*Request),
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (r *Registry) prune(now time.Time) {
	for id, e := range r.entries {
		if e.Status != StatusPending && now.Sub(e.At) >= r.cooldown {
			delete(r.entries, id)
		}
	}
}

// Begin registers a pending request unless an equivalent one is pending,
// recently completed, or recently failed.
func (r *Registry) Begin(kind Kind, key string, rng Range) (Request, error) {
	if !rng.Valid() {
		return Request{}, fmt.Errorf("invalid range %d..%d", rng.From, rng.To)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)

	for _, e := range r.entries {
		if !e.Same(kind, key, rng) {
			continue
		}
		switch e.Status {
		case StatusPending:
			return *e, fmt.Errorf("%w: %s", ErrOverlaps, e.ID)
		case StatusCompleted:
			return *e, ErrAlreadySatisfied
		case StatusFailed:
			return *e, &PriorFailureError{Request: *e}
		}
	}

	req := &Request{ID: uuid.New(), Kind: kind, Key: key, Range: rng, Status: StatusPending, At: now}
	r.entries[req.ID] = req
	return *req, nil
}

func (r *Registry) finish(id uuid.UUID, status Status, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	e.Status = status
	e.Err = err
	e.At = r.now()
	return nil
}

func (r *Registry) Complete(id uuid.UUID) error {
	return r.finish(id, StatusCompleted, nil)
}

func (r *Registry) Fail(id uuid.UUID, err error) error {
	if err == nil {
		err = errors.New("request failed")
	}
	return r.finish(id, StatusFailed, err)
}

// Cancel forgets a request entirely so an identical one may start at once.
func (r *Registry) Cancel(id uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Pending counts requests that have not finished.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}
