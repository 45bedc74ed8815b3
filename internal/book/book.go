// Package book reconstructs a local order book from snapshot and diff depth
// updates. A Book is owned by a single goroutine and is not safe for
// concurrent use; readers receive View copies.
package book

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"marketflow/models"
)

const (
	btreeDegree = 32
	// DefaultDepth bounds the number of levels per side copied into a View.
	DefaultDepth = 50
)

var (
	// ErrSequenceGap is matched by every GapError.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrMalformedUpdate is returned for updates that cannot be interpreted.
	ErrMalformedUpdate = errors.New("malformed depth update")
)

// GapError describes a diff that could not be applied because the book was
// stale or the diff did not continue the last applied sequence.
type GapError struct {
	Expected uint64
	Got      uint64
	Stale    bool
}

func (e *GapError) Error() string {
	if e.Stale {
		return fmt.Sprintf("sequence gap: book is stale, diff starts at %d", e.Got)
	}
	return fmt.Sprintf("sequence gap: expected %d, got %d", e.Expected, e.Got)
}

func (e *GapError) Unwrap() error { return ErrSequenceGap }

type level struct {
	price models.Price
	qty   float64
}

// Book holds both sides keyed by price. Bids iterate highest first, asks
// lowest first. A new Book is stale until the first snapshot.
type Book struct {
	bids     *btree.BTreeG[level]
	asks     *btree.BTreeG[level]
	lastSeq  uint64
	stale    bool
	depth    int
	rejected uint64
}

// New returns an empty stale book whose views carry at most depth levels per
// side. depth <= 0 selects DefaultDepth.
func New(depth int) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Book{
		bids:  btree.NewG(btreeDegree, func(a, b level) bool { return a.price > b.price }),
		asks:  btree.NewG(btreeDegree, func(a, b level) bool { return a.price < b.price }),
		stale: true,
		depth: depth,
	}
}

// Apply folds u into the book. Snapshots always succeed and clear the stale
// flag. A diff is applied only when the book is consistent and the diff
// starts right after the last applied sequence; otherwise the book is marked
// stale and a *GapError is returned. Structurally invalid levels are dropped
// and counted without failing the update.
func (b *Book) Apply(u models.DepthUpdate) (View, error) {
	switch u.Type {
	case models.DepthSnapshot:
		b.applySnapshot(u)
	case models.DepthDiff:
		if u.LastSequence < u.FirstSequence {
			return b.View(b.depth), fmt.Errorf("%w: diff range %d..%d", ErrMalformedUpdate, u.FirstSequence, u.LastSequence)
		}
		if b.stale {
			return b.View(b.depth), &GapError{Got: u.FirstSequence, Stale: true}
		}
		if u.FirstSequence != b.lastSeq+1 {
			b.stale = true
			return b.View(b.depth), &GapError{Expected: b.lastSeq + 1, Got: u.FirstSequence}
		}
		b.applyLevels(b.bids, u.Bids)
		b.applyLevels(b.asks, u.Asks)
		b.lastSeq = u.LastSequence
	default:
		return b.View(b.depth), fmt.Errorf("%w: unknown type %d", ErrMalformedUpdate, u.Type)
	}
	return b.View(b.depth), nil
}

func (b *Book) applySnapshot(u models.DepthUpdate) {
	b.bids.Clear(false)
	b.asks.Clear(false)
	b.applyLevels(b.bids, u.Bids)
	b.applyLevels(b.asks, u.Asks)
	b.lastSeq = u.LastSequence
	b.stale = false
}

func (b *Book) applyLevels(side *btree.BTreeG[level], levels []models.DepthLevel) {
	for _, l := range levels {
		if !l.Valid() {
			b.rejected++
			continue
		}
		if l.Quantity == 0 {
			side.Delete(level{price: l.Price})
			continue
		}
		side.ReplaceOrInsert(level{price: l.Price, qty: l.Quantity})
	}
}

// MarkStale forces the book to wait for the next snapshot. Used when the
// connection that fed it is replaced.
func (b *Book) MarkStale() { b.stale = true }

func (b *Book) Stale() bool { return b.stale }

func (b *Book) LastSequence() uint64 { return b.lastSeq }

// Rejected returns the number of invalid levels dropped so far.
func (b *Book) Rejected() uint64 { return b.rejected }

// Len returns the number of stored bid and ask levels.
func (b *Book) Len() (bids, asks int) { return b.bids.Len(), b.asks.Len() }

func (b *Book) BestBid() (models.DepthLevel, bool) {
	l, ok := b.bids.Min()
	return models.DepthLevel{Price: l.price, Quantity: l.qty}, ok
}

func (b *Book) BestAsk() (models.DepthLevel, bool) {
	l, ok := b.asks.Min()
	return models.DepthLevel{Price: l.price, Quantity: l.qty}, ok
}

// Quantity returns the resting quantity at price on the given side.
func (b *Book) Quantity(side models.Side, price models.Price) float64 {
	tree := b.asks
	if side == models.Buy {
		tree = b.bids
	}
	l, ok := tree.Get(level{price: price})
	if !ok {
		return 0
	}
	return l.qty
}

// View copies at most depth levels per side, best first.
func (b *Book) View(depth int) View {
	if depth <= 0 {
		depth = b.depth
	}
	return View{
		Bids:         collect(b.bids, depth),
		Asks:         collect(b.asks, depth),
		BidLevels:    b.bids.Len(),
		AskLevels:    b.asks.Len(),
		LastSequence: b.lastSeq,
		Stale:        b.stale,
	}
}

func collect(side *btree.BTreeG[level], depth int) []models.DepthLevel {
	n := side.Len()
	if n > depth {
		n = depth
	}
	out := make([]models.DepthLevel, 0, n)
	side.Ascend(func(l level) bool {
		if len(out) >= depth {
			return false
		}
		out = append(out, models.DepthLevel{Price: l.price, Quantity: l.qty})
		return true
	})
	return out
}
