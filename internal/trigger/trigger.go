// Package trigger decides when a capture cycle starts.
//
// A Source yields one Event per cycle. Periodic paces cycles to a fixed
// interval; Edge turns transitions on an external signal line into
// triggers. Neither can fail: the steady state is simply "no event yet".
// Next returns the context error on cancellation, or ErrExhausted once a
// bounded source has nothing more to give.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
)

// ErrExhausted ends a bounded source. The producer treats it as a normal
// end of run.
var ErrExhausted = errors.New("trigger: source exhausted")

// Kind identifies what produced an event.
type Kind int

const (
	KindTimer Kind = iota
	KindExternalEdge
)

// String returns a human-readable kind.
func (k Kind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindExternalEdge:
		return "external_edge"
	default:
		return "unknown"
	}
}

// Event is a decision point to begin a capture cycle. It lives only inside
// the producer's decision step.
type Event struct {
	Kind Kind
	Seq  uint64
	At   time.Time
	Tags frame.Tags
}

// Source produces trigger events.
type Source interface {
	// Next blocks until the next cycle should start.
	Next(ctx context.Context) (Event, error)
}
