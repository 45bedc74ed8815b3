package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"marketflow/logger"
)

// ErrClosed is returned when subscribing to a closed broadcaster.
var ErrClosed = errors.New("broadcaster closed")

// Stats counts deliveries to a subscription or a whole broadcaster.
type Stats struct {
	Sent    int64
	Dropped int64
}

// Occupancy describes how full one subscriber queue is.
type Occupancy struct {
	ID  uint64
	Len int
	Cap int
}

// Subscription is one consumer's bounded queue. When the queue is full the
// oldest pending value is discarded to make room.
type Subscription[T any] struct {
	id uint64
	ch chan T
	b  *Broadcaster[T]

	mu     sync.Mutex
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// C returns the receive side of the queue. It is closed on Unsubscribe or
// when the broadcaster closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) ID() uint64 {
	return s.id
}

func (s *Subscription[T]) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Unsubscribe detaches the subscription and closes its queue. Calling it more
// than once is harmless.
func (s *Subscription[T]) Unsubscribe() {
	s.b.remove(s.id)
	s.close()
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer enqueues v and reports whether an older value was evicted.
func (s *Subscription[T]) offer(v T) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		s.sent.Add(1)
		return false
	default:
	}
	// Only offer sends on ch and it holds mu, so one receive frees a slot.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		evicted = true
	default:
	}
	select {
	case s.ch <- v:
		s.sent.Add(1)
	default:
		s.dropped.Add(1)
		evicted = true
	}
	return evicted
}

// Broadcaster fans values out to every live subscription without ever
// blocking the publisher.
type Broadcaster[T any] struct {
	name string
	size int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
	onDrop  func()

	log *logger.Log
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to size
// values. onDrop, when non-nil, runs once per evicted value.
func NewBroadcaster[T any](name string, size int, onDrop func()) *Broadcaster[T] {
	if size <= 0 {
		size = 1
	}
	return &Broadcaster[T]{
		name:   name,
		size:   size,
		subs:   make(map[uint64]*Subscription[T]),
		onDrop: onDrop,
		log:    logger.GetLogger(),
	}
}

func (b *Broadcaster[T]) Name() string {
	return b.name
}

func (b *Broadcaster[T]) Subscribe() (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription[T]{
		id: b.nextID,
		ch: make(chan T, b.size),
		b:  b,
	}
	b.subs[sub.id] = sub

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"name":        b.name,
		"subscriber":  sub.id,
		"buffer_size": b.size,
	}).Debug("subscriber added")
	return sub, nil
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers v to all subscriptions and returns how many older values
// were evicted to make room.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	evicted := 0
	for _, sub := range b.subs {
		if sub.offer(v) {
			evicted++
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
		b.sent.Add(1)
	}
	if evicted > 0 {
		b.log.WithComponent("broadcaster").WithFields(logger.Fields{
			"name":    b.name,
			"evicted": evicted,
		}).Debug("subscriber queue full, dropping oldest")
	}
	return evicted
}

func (b *Broadcaster[T]) Stats() Stats {
	return Stats{Sent: b.sent.Load(), Dropped: b.dropped.Load()}
}

func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Occupancy reports queue length per subscription.
func (b *Broadcaster[T]) Occupancy() []Occupancy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Occupancy, 0, len(b.subs))
	for id, sub := range b.subs {
		out = append(out, Occupancy{ID: id, Len: len(sub.ch), Cap: cap(sub.ch)})
	}
	return out
}

// Close closes every subscription. Later Publish calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"name":    b.name,
		"sent":    b.sent.Load(),
		"dropped": b.dropped.Load(),
	}).Info("broadcaster closed")
}
