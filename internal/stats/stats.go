// Package stats holds the shared pipeline state: independent atomic
// counters with one writer each, plus latency digests.
//
// No compound invariant across counters holds at arbitrary instants. After
// a full drain every captured frame is accounted for exactly once:
//
//	Captured == Written + WriteFailed + Overwritten
package stats

import (
	"sync/atomic"
	"time"
)

// Pipeline is the explicit state object shared by reference with every
// component. Each field documents its single writer.
type Pipeline struct {
	// Producer
	Cycles         atomic.Uint64 // trigger events consumed
	Captured       atomic.Uint64 // frames enqueued
	CaptureFailed  atomic.Uint64
	EmptyFrames    atomic.Uint64
	CaptureTimeout atomic.Uint64
	CaptureNanos   atomic.Uint64

	// Pool (written from the producer side)
	PoolExhausted atomic.Uint64 // times the producer blocked on a full pool
	Overwritten   atomic.Uint64 // unread frames reclaimed under overwrite policy

	// Driver callback context
	DriverCompletions atomic.Uint64
	DriverSkipped     atomic.Uint64 // completions with no armed request
	DriverCancelled   atomic.Uint64

	// Edge handler context
	PulseEdges atomic.Uint64
	ClockEdges atomic.Uint64

	// Consumer
	Written      atomic.Uint64
	BytesWritten atomic.Uint64
	WriteFailed  atomic.Uint64
	WriteNanos   atomic.Uint64

	CaptureLatency *Latency
	WriteLatency   *Latency

	startedAt atomic.Int64
}

// New returns a zeroed pipeline state with latency digests attached.
func New() *Pipeline {
	return &Pipeline{
		CaptureLatency: NewLatency(),
		WriteLatency:   NewLatency(),
	}
}

// MarkStarted records the wall-clock start of the run.
func (p *Pipeline) MarkStarted(t time.Time) {
	p.startedAt.Store(t.UnixNano())
}

// ObserveCapture records one successful acquisition.
func (p *Pipeline) ObserveCapture(d time.Duration) {
	p.Captured.Add(1)
	p.CaptureNanos.Add(uint64(d))
	p.CaptureLatency.Observe(d)
}

// ObserveWrite records one frame fully handed to storage.
func (p *Pipeline) ObserveWrite(bytes int, d time.Duration) {
	p.Written.Add(1)
	p.BytesWritten.Add(uint64(bytes))
	p.WriteNanos.Add(uint64(d))
	p.WriteLatency.Observe(d)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Cycles         uint64 `json:"cycles"`
	Captured       uint64 `json:"frames_captured"`
	CaptureFailed  uint64 `json:"capture_failed"`
	EmptyFrames    uint64 `json:"empty_frames"`
	CaptureTimeout uint64 `json:"capture_timeout"`

	PoolExhausted uint64 `json:"pool_exhausted"`
	Overwritten   uint64 `json:"overwritten"`

	DriverCompletions uint64 `json:"driver_completions"`
	DriverSkipped     uint64 `json:"driver_skipped"`
	DriverCancelled   uint64 `json:"driver_cancelled"`

	PulseEdges uint64 `json:"pulse_edges"`
	ClockEdges uint64 `json:"clock_edges"`

	Written      uint64 `json:"frames_written"`
	BytesWritten uint64 `json:"bytes_written"`
	WriteFailed  uint64 `json:"write_failed"`

	AvgCapture time.Duration `json:"avg_capture_ns"`
	AvgWrite   time.Duration `json:"avg_write_ns"`
	CaptureP95 time.Duration `json:"capture_p95_ns"`
	WriteP95   time.Duration `json:"write_p95_ns"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Snapshot loads every counter. Fields are individually exact but not
// mutually consistent while the pipeline is running.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		Cycles:            p.Cycles.Load(),
		Captured:          p.Captured.Load(),
		CaptureFailed:     p.CaptureFailed.Load(),
		EmptyFrames:       p.EmptyFrames.Load(),
		CaptureTimeout:    p.CaptureTimeout.Load(),
		PoolExhausted:     p.PoolExhausted.Load(),
		Overwritten:       p.Overwritten.Load(),
		DriverCompletions: p.DriverCompletions.Load(),
		DriverSkipped:     p.DriverSkipped.Load(),
		DriverCancelled:   p.DriverCancelled.Load(),
		PulseEdges:        p.PulseEdges.Load(),
		ClockEdges:        p.ClockEdges.Load(),
		Written:           p.Written.Load(),
		BytesWritten:      p.BytesWritten.Load(),
		WriteFailed:       p.WriteFailed.Load(),
		CaptureP95:        p.CaptureLatency.Quantile(0.95),
		WriteP95:          p.WriteLatency.Quantile(0.95),
	}
	if s.Captured > 0 {
		s.AvgCapture = time.Duration(p.CaptureNanos.Load() / s.Captured)
	}
	if s.Written > 0 {
		s.AvgWrite = time.Duration(p.WriteNanos.Load() / s.Written)
	}
	if started := p.startedAt.Load(); started != 0 {
		s.Elapsed = time.Since(time.Unix(0, started))
	}
	return s
}

// Drained reports whether every captured frame has reached a terminal
// state. Only meaningful once the consumer has exited.
func (s Snapshot) Drained() bool {
	return s.Captured == s.Written+s.WriteFailed+s.Overwritten
}

// AcquireErrors sums acquisition failures of every kind.
func (s Snapshot) AcquireErrors() uint64 {
	return s.CaptureFailed + s.EmptyFrames + s.CaptureTimeout
}
