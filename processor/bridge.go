package processor

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"

	"marketflow/models"
)

// ErrBridgeGap means the buffered diffs cannot be joined to the snapshot.
var ErrBridgeGap = errors.New("diffs do not bridge snapshot")

// DepthBridge holds diffs that arrive before a snapshot and aligns the diff
// stream onto the snapshot sequence. The first kept diff must cover
// snapshot+1; it is rebased to start exactly there. Diffs after it pass
// through untouched.
type DepthBridge struct {
	queue   deque.Deque[models.DepthUpdate]
	limit   int
	next    uint64
	aligned bool
	dropped uint64
}

func NewDepthBridge(limit int) *DepthBridge {
	if limit <= 0 {
		limit = 1
	}
	return &DepthBridge{limit: limit, aligned: true}
}

// Buffer keeps u until the next snapshot. The oldest diff is evicted when
// the buffer is full.
func (b *DepthBridge) Buffer(u models.DepthUpdate) {
	if b.queue.Len() >= b.limit {
		b.queue.PopFront()
		b.dropped++
	}
	b.queue.PushBack(u)
}

func (b *DepthBridge) Len() int {
	return b.queue.Len()
}

// Dropped counts diffs discarded as stale or evicted.
func (b *DepthBridge) Dropped() uint64 {
	return b.dropped
}

// Aligned reports whether the stream has been joined to the last snapshot.
func (b *DepthBridge) Aligned() bool {
	return b.aligned
}

// Reset discards buffered diffs and leaves alignment pending.
func (b *DepthBridge) Reset() {
	b.queue.Clear()
	b.next = 0
	b.aligned = false
}

// Start anchors the bridge at snapshotSeq and returns the buffered diffs that
// follow it, ready to apply in order.
func (b *DepthBridge) Start(snapshotSeq uint64) ([]models.DepthUpdate, error) {
	b.next = snapshotSeq + 1
	b.aligned = false

	out := make([]models.DepthUpdate, 0, b.queue.Len())
	for b.queue.Len() > 0 {
		u, keep, err := b.Align(b.queue.PopFront())
		if err != nil {
			b.queue.Clear()
			return nil, err
		}
		if keep {
			out = append(out, u)
		}
	}
	return out, nil
}

// Align filters one diff against the anchor set by Start.
func (b *DepthBridge) Align(u models.DepthUpdate) (models.DepthUpdate, bool, error) {
	if b.aligned {
		return u, true, nil
	}
	if u.LastSequence < b.next {
		b.dropped++
		return u, false, nil
	}
	if u.FirstSequence > b.next {
		return u, false, fmt.Errorf("%w: want %d, first diff starts at %d", ErrBridgeGap, b.next, u.FirstSequence)
	}
	u.FirstSequence = b.next
	b.aligned = true
	return u, true, nil
}
