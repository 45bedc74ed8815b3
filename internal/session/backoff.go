package session

import (
	"math/rand"
	"sync"
	"time"
)

const jitterFraction = 0.2

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat64() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()
}

// backoff doubles lo per attempt up to hi, then shaves off up to
// jitterFraction of the delay so it never exceeds hi.
func backoff(lo, hi time.Duration, attempt int, jitter float64) time.Duration {
	d := lo
	for i := 0; i < attempt && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	return d - time.Duration(jitter*jitterFraction*float64(d))
}
