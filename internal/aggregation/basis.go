package aggregation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IntervalKey identifies a bucket. For a time basis it is the interval start
// in milliseconds; for a tick basis it is the bucket ordinal.
type IntervalKey uint64

// BasisKind selects how trades are assigned to buckets.
type BasisKind uint8

const (
	BasisTime BasisKind = iota + 1
	BasisTick
)

func (k BasisKind) String() string {
	switch k {
	case BasisTime:
		return "time"
	case BasisTick:
		return "tick"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidBasis  = errors.New("invalid aggregation basis")
	ErrBasisMismatch = errors.New("operation not supported for aggregation basis")
)

// Basis is either a fixed time interval or a fixed number of trades.
type Basis struct {
	Kind     BasisKind
	Interval time.Duration
	Ticks    int
}

func TimeBasis(interval time.Duration) Basis {
	return Basis{Kind: BasisTime, Interval: interval}
}

func TickBasis(ticks int) Basis {
	return Basis{Kind: BasisTick, Ticks: ticks}
}

// ParseBasis accepts "time" or "tick" as produced by configuration.
func ParseBasis(kind string, interval time.Duration, ticks int) (Basis, error) {
	var b Basis
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "time", "":
		b = TimeBasis(interval)
	case "tick":
		b = TickBasis(ticks)
	default:
		return Basis{}, fmt.Errorf("%w: kind %q", ErrInvalidBasis, kind)
	}
	return b, b.Validate()
}

func (b Basis) Validate() error {
	switch b.Kind {
	case BasisTime:
		if b.Interval < time.Millisecond {
			return fmt.Errorf("%w: interval %s below 1ms", ErrInvalidBasis, b.Interval)
		}
	case BasisTick:
		if b.Ticks <= 0 {
			return fmt.Errorf("%w: ticks must be positive", ErrInvalidBasis)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidBasis, b.Kind)
	}
	return nil
}

func (b Basis) String() string {
	if b.Kind == BasisTick {
		return fmt.Sprintf("tick:%d", b.Ticks)
	}
	return fmt.Sprintf("time:%s", b.Interval)
}

// TimeKey returns the start of the interval containing ts (milliseconds).
func (b Basis) TimeKey(ts uint64) IntervalKey {
	ms := uint64(b.Interval / time.Millisecond)
	return IntervalKey(ts - ts%ms)
}
