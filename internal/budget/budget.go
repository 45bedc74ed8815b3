// Package budget enforces provider request allowances for pull-style
// fetches and deduplicates overlapping requests.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrWeightExceedsCapacity = errors.New("request weight exceeds budget capacity")
	ErrInvalidBudget         = errors.New("invalid budget parameters")
)

// Usage carries provider reported counters. Negative fields are unknown.
type Usage struct {
	Used      int64
	Limit     int64
	Remaining int64
	Reset     time.Duration
}

// UnknownUsage has every counter unset.
var UnknownUsage = Usage{Used: -1, Limit: -1, Remaining: -1}

// Budget tracks consumption against a provider allowance. Reserve never
// blocks: it either consumes weight and returns ok, or returns how long the
// caller should wait before trying again.
type Budget interface {
	Reserve(weight int64) (wait time.Duration, ok bool)
	RecordUsage(u Usage)
	EffectiveCapacity() int64
	State() State
}

// State is a point in time copy of a budget's counters.
type State struct {
	Kind      string  `json:"kind"`
	Capacity  int64   `json:"capacity"`
	Effective int64   `json:"effective"`
	Consumed  float64 `json:"consumed"`
}

// Option tunes budget construction.
type Option func(*options)

type options struct {
	bufferPct float64
	now       func() time.Time
	err       error
}

// WithBuffer keeps the fraction pct of the capacity in reserve. pct must be
// in [0, 1); anything else fails construction with ErrInvalidBudget.
func WithBuffer(pct float64) Option {
	return func(o *options) {
		if pct < 0 || pct >= 1 || math.IsNaN(pct) {
			o.err = fmt.Errorf("%w: buffer %v is not a fraction in [0, 1)", ErrInvalidBudget, pct)
			return
		}
		o.bufferPct = pct
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func effective(capacity int64, bufferPct float64) int64 {
	return int64(math.Floor(float64(capacity) * (1 - bufferPct)))
}

// FixedWindow allows capacity weight per window. The window restarts at the
// first reservation after it elapsed.
type FixedWindow struct {
	mu          sync.Mutex
	capacity    int64
	window      time.Duration
	consumed    int64
	windowStart time.Time
	opts        options
}

func NewFixedWindow(capacity int64, window time.Duration, opts ...Option) (*FixedWindow, error) {
	if capacity <= 0 || window <= 0 {
		return nil, ErrInvalidBudget
	}
	o := buildOptions(opts)
	if o.err != nil {
		return nil, o.err
	}
	return &FixedWindow{capacity: capacity, window: window, windowStart: o.now(), opts: o}, nil
}

func (f *FixedWindow) roll(now time.Time) {
	if now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.consumed = 0
	}
}

func (f *FixedWindow) Reserve(weight int64) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.opts.now()
	f.roll(now)
	if f.consumed+weight > effective(f.capacity, f.opts.bufferPct) {
		return f.windowStart.Add(f.window).Sub(now), false
	}
	f.consumed += weight
	return 0, true
}

// RecordUsage only ever raises the local estimate within the current window.
func (f *FixedWindow) RecordUsage(u Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roll(f.opts.now())
	used := u.Used
	if used < 0 && u.Remaining >= 0 && u.Limit > 0 {
		used = u.Limit - u.Remaining
	}
	if used > f.consumed {
		f.consumed = used
	}
}

func (f *FixedWindow) EffectiveCapacity() int64 {
	return effective(f.capacity, f.opts.bufferPct)
}

func (f *FixedWindow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roll(f.opts.now())
	return State{
		Kind:      "fixed",
		Capacity:  f.capacity,
		Effective: effective(f.capacity, f.opts.bufferPct),
		Consumed:  float64(f.consumed),
	}
}

// Dynamic drains consumption continuously at refillPerSecond and defers to
// provider counters whenever they are reported.
type Dynamic struct {
	mu       sync.Mutex
	capacity int64
	refill   float64
	consumed float64
	last     time.Time
	resetAt  time.Time
	opts     options
}

func NewDynamic(capacity int64, refillPerSecond float64, opts ...Option) (*Dynamic, error) {
	if capacity <= 0 || refillPerSecond < 0 {
		return nil, ErrInvalidBudget
	}
	o := buildOptions(opts)
	if o.err != nil {
		return nil, o.err
	}
	return &Dynamic{capacity: capacity, refill: refillPerSecond, last: o.now(), opts: o}, nil
}

func (d *Dynamic) drain(now time.Time) {
	if !d.resetAt.IsZero() && !now.Before(d.resetAt) {
		d.consumed = 0
		d.resetAt = time.Time{}
	}
	if elapsed := now.Sub(d.last).Seconds(); elapsed > 0 {
		d.consumed = math.Max(0, d.consumed-elapsed*d.refill)
	}
	d.last = now
}

func (d *Dynamic) Reserve(weight int64) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.now()
	d.drain(now)
	limit := float64(effective(d.capacity, d.opts.bufferPct))
	over := d.consumed + float64(weight) - limit
	if over <= 0 {
		d.consumed += float64(weight)
		return 0, true
	}
	if !d.resetAt.IsZero() {
		return d.resetAt.Sub(now), false
	}
	if d.refill == 0 {
		return time.Second, false
	}
	return time.Duration(over / d.refill * float64(time.Second)), false
}

// RecordUsage replaces the local estimate with the provider's view.
func (d *Dynamic) RecordUsage(u Usage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.now()
	d.drain(now)
	if u.Limit > 0 {
		d.capacity = u.Limit
	}
	switch {
	case u.Used >= 0:
		d.consumed = float64(u.Used)
	case u.Remaining >= 0:
		d.consumed = math.Max(0, float64(d.capacity-u.Remaining))
	}
	if u.Reset > 0 {
		d.resetAt = now.Add(u.Reset)
	}
}

func (d *Dynamic) EffectiveCapacity() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return effective(d.capacity, d.opts.bufferPct)
}

func (d *Dynamic) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drain(d.opts.now())
	return State{
		Kind:      "dynamic",
		Capacity:  d.capacity,
		Effective: effective(d.capacity, d.opts.bufferPct),
		Consumed:  d.consumed,
	}
}
