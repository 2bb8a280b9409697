package stats

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// Latency accumulates a duration distribution in a t-digest.
// Safe for concurrent use; the digest itself is not.
type Latency struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
}

// NewLatency creates an empty digest. A nil *Latency ignores observations.
func NewLatency() *Latency {
	td, err := tdigest.New()
	if err != nil {
		return nil
	}
	return &Latency{digest: td}
}

// Observe adds one sample.
func (l *Latency) Observe(d time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	_ = l.digest.Add(float64(d))
	l.mu.Unlock()
}

// Quantile returns the q-th quantile, or zero with no samples.
func (l *Latency) Quantile(q float64) time.Duration {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.digest.Count() == 0 {
		return 0
	}
	return time.Duration(l.digest.Quantile(q))
}

// Count returns the number of samples observed.
func (l *Latency) Count() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.digest.Count()
}
