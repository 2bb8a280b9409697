package trigger

import (
	"math"
	"sync"
	"time"
)

const (
	// intervalStabilityThreshold bounds the interval stddev as a fraction
	// of the mean interval.
	intervalStabilityThreshold = 0.15

	// jitterStabilityThreshold bounds the mean jitter as a fraction of the
	// expected interval.
	jitterStabilityThreshold = 0.20

	defaultCadenceWindow = 64
)

// Cadence summarises how regularly triggers fired.
type Cadence struct {
	Events         int           `json:"events"`
	Expected       time.Duration `json:"expected_ns"`
	MeanInterval   time.Duration `json:"mean_interval_ns"`
	StdDevInterval time.Duration `json:"stddev_interval_ns"`
	MinInterval    time.Duration `json:"min_interval_ns"`
	MaxInterval    time.Duration `json:"max_interval_ns"`
	JitterMean     time.Duration `json:"jitter_mean_ns"`
	JitterMax      time.Duration `json:"jitter_max_ns"`
	Stable         bool          `json:"stable"`
}

// ComputeCadence derives interval and jitter statistics from event
// timestamps. Jitter is measured against expected, or against the observed
// mean when expected is zero (edge triggers have no nominal period).
//
// The cadence is stable when the interval stddev stays under 15% of the
// mean and the mean jitter under 20% of the expected interval.
func ComputeCadence(times []time.Time, expected time.Duration) Cadence {
	c := Cadence{Events: len(times), Expected: expected}
	if len(times) < 2 {
		return c
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, float64(times[i].Sub(times[i-1])))
	}

	var sum float64
	lo, hi := intervals[0], intervals[0]
	for _, iv := range intervals {
		sum += iv
		lo = math.Min(lo, iv)
		hi = math.Max(hi, iv)
	}
	mean := sum / float64(len(intervals))

	var sq float64
	for _, iv := range intervals {
		d := iv - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(intervals)))

	ref := float64(expected)
	if ref <= 0 {
		ref = mean
	}
	var jsum, jmax float64
	for _, iv := range intervals {
		j := math.Abs(iv - ref)
		jsum += j
		jmax = math.Max(jmax, j)
	}
	jmean := jsum / float64(len(intervals))

	c.MeanInterval = time.Duration(mean)
	c.StdDevInterval = time.Duration(stddev)
	c.MinInterval = time.Duration(lo)
	c.MaxInterval = time.Duration(hi)
	c.JitterMean = time.Duration(jmean)
	c.JitterMax = time.Duration(jmax)
	c.Stable = mean > 0 &&
		stddev < mean*intervalStabilityThreshold &&
		jmean < ref*jitterStabilityThreshold
	return c
}

// CadenceRecorder keeps the most recent trigger timestamps in a ring.
type CadenceRecorder struct {
	mu       sync.Mutex
	expected time.Duration
	times    []time.Time
	next     int
	full     bool
}

// NewCadenceRecorder keeps up to window timestamps (default 64).
func NewCadenceRecorder(expected time.Duration, window int) *CadenceRecorder {
	if window < 2 {
		window = defaultCadenceWindow
	}
	return &CadenceRecorder{expected: expected, times: make([]time.Time, window)}
}

// Record appends one trigger timestamp.
func (r *CadenceRecorder) Record(t time.Time) {
	r.mu.Lock()
	r.times[r.next] = t
	r.next = (r.next + 1) % len(r.times)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Cadence computes statistics over the recorded window, oldest first.
func (r *CadenceRecorder) Cadence() Cadence {
	r.mu.Lock()
	var ordered []time.Time
	if r.full {
		ordered = append(ordered, r.times[r.next:]...)
		ordered = append(ordered, r.times[:r.next]...)
	} else {
		ordered = append(ordered, r.times[:r.next]...)
	}
	r.mu.Unlock()
	return ComputeCadence(ordered, r.expected)
}
