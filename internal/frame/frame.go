// Package frame defines the unit of work that flows through the recorder:
// one captured sensor payload plus the metadata needed to name and
// reconstruct it later.
package frame

import (
	"time"

	"github.com/google/uuid"
)

// Tags correlates a frame with the external synchronization signals that
// triggered it. All fields are zero in periodic mode.
type Tags struct {
	Pulses uint64 // pulse-line edges observed when the capture was triggered
	Clock  uint64 // clock-line edges observed when the capture was triggered
	Tick   uint64 // hardware tick of the triggering edge (nanoseconds)
}

// IsZero reports whether no correlation tags were recorded.
func (t Tags) IsZero() bool {
	return t.Pulses == 0 && t.Clock == 0 && t.Tick == 0
}

// Meta describes the raw payload layout for later reconstruction.
// It is written to the sidecar file and never interpreted by the pipeline.
type Meta struct {
	Width  int
	Height int
	Format string
	Stride int
}

// Lease ties a frame payload to the pool slot that holds its bytes.
//
// Claim transfers the slot to the consumer and returns false when the
// slot was reclaimed by the producer (overwrite policy). Release returns the
// slot to the pool once the consumer is done with the payload.
type Lease interface {
	Claim() bool
	Release()
}

// Frame is one captured payload. It is owned by exactly one stage at a
// time: the acquirer, then the queue, then the persistence worker.
type Frame struct {
	Seq        uint64
	Data       []byte
	Size       int
	CapturedAt time.Time
	Tags       Tags
	Meta       Meta
	TraceID    string

	// CaptureDuration is the wall time spent inside the acquirer.
	CaptureDuration time.Duration

	lease Lease
}

// New builds a frame around data. Size is taken from len(data).
func New(seq uint64, data []byte, capturedAt time.Time) *Frame {
	return &Frame{
		Seq:        seq,
		Data:       data,
		Size:       len(data),
		CapturedAt: capturedAt,
		TraceID:    uuid.New().String(),
	}
}

// Attach binds the frame to the slot lease holding its payload.
func (f *Frame) Attach(l Lease) {
	f.lease = l
}

// Claim takes consumer ownership of the payload. Frames without a lease are
// always claimable.
func (f *Frame) Claim() bool {
	if f.lease == nil {
		return true
	}
	return f.lease.Claim()
}

// Release hands the payload memory back to its pool. The frame must not be
// read afterwards.
func (f *Frame) Release() {
	if f.lease != nil {
		f.lease.Release()
		f.lease = nil
	}
	f.Data = nil
}
