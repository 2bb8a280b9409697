// Package acquire obtains complete frames from the capture collaborator.
//
// Two interchangeable implementations share the Acquirer contract:
//
//   - ProcessAcquirer runs a capture command per frame and reads its stdout
//     in 64 KiB chunks until EOF (blocking mode).
//   - DriverAcquirer keeps a streaming Driver running with a few buffers in
//     flight and copies the next completed buffer out of the driver callback
//     (asynchronous mode).
//
// Failures are reported as *Error with a Kind. None of them is fatal: the
// controller logs the error and skips the cycle.
package acquire

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
)

// DefaultChunkSize is the read granularity of blocking captures.
const DefaultChunkSize = 64 * 1024

// ErrCancelled is returned when a pending capture is abandoned on shutdown.
var ErrCancelled = errors.New("acquire: request cancelled")

// Acquirer produces one frame per call.
type Acquirer interface {
	// Acquire captures a frame, appending its payload into dst (normally the
	// pool's capture-target buffer). The returned frame's Seq and Tags are
	// left for the caller.
	Acquire(ctx context.Context, dst []byte) (*frame.Frame, error)

	// Close releases the capture collaborator.
	Close() error
}

// Kind classifies an acquisition failure.
type Kind int

const (
	KindCaptureFailed Kind = iota
	KindEmptyFrame
	KindTimeout
)

// String returns a human-readable kind for logs.
func (k Kind) String() string {
	switch k {
	case KindCaptureFailed:
		return "capture_failed"
	case KindEmptyFrame:
		return "empty_frame"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is an acquisition failure.
type Error struct {
	Kind Kind
	Err  error

	// Detail carries collaborator output useful for diagnosis (stderr tail,
	// driver status). May be empty.
	Detail string
}

func (e *Error) Error() string {
	msg := "acquire: " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind. ok is false for errors that are not
// acquisition failures (for example cancellation).
func KindOf(err error) (k Kind, ok bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
