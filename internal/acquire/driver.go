package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

// DefaultDriverTimeout bounds the wait for an asynchronous completion.
const DefaultDriverTimeout = 2 * time.Second

// Status is the outcome a driver reports for a completed request.
type Status int

const (
	StatusComplete Status = iota
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Request is a completed driver capture. Buffer is borrowed driver memory,
// valid only until the request is handed back through Driver.Requeue.
type Request interface {
	Buffer() []byte
	Status() Status
	Timestamp() time.Time
	Err() error
}

// CompletionHandler runs on the driver's own goroutine for every completed
// request. It must return quickly.
type CompletionHandler func(Request)

// Driver is an asynchronous submit/complete capture collaborator that keeps
// a fixed number of requests in flight.
type Driver interface {
	// Start queues every request and begins streaming.
	Start(h CompletionHandler) error
	// Requeue resubmits a completed request for reuse.
	Requeue(r Request) error
	// Stop halts streaming. Still-queued requests complete as cancelled.
	Stop() error
	// Buffers reports how many requests the driver cycles.
	Buffers() int
}

// RequestState is the async acquisition state machine:
//
//	Idle → RequestSubmitted → {CompletionReceived, Cancelled, TimedOut} → Idle
type RequestState int32

const (
	StateIdle RequestState = iota
	StateRequestSubmitted
	StateCompletionReceived
	StateCancelled
	StateTimedOut
)

func (s RequestState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSubmitted:
		return "request_submitted"
	case StateCompletionReceived:
		return "completion_received"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// DriverConfig tunes a DriverAcquirer.
type DriverConfig struct {
	Timeout time.Duration // default 2s
	Meta    frame.Meta
}

// armed is the capture target the producer hands to the callback.
type armed struct {
	dst  []byte
	data []byte
	at   time.Time
	err  error
	done chan struct{}
}

// DriverAcquirer turns a streaming driver into one-frame-per-call captures.
//
// Acquire arms a capture target and waits. The completion callback swaps the
// target out atomically, copies the borrowed buffer into it, requeues the
// driver request and signals the producer. Completions with nothing armed
// are requeued untouched. Exactly one of callback, timeout and cancellation
// wins each armed request.
type DriverAcquirer struct {
	drv     Driver
	timeout time.Duration
	meta    frame.Meta
	stats   *stats.Pipeline
	logger  *slog.Logger

	target atomic.Pointer[armed]
	state  atomic.Int32
	last   atomic.Int32 // terminal state of the previous request
}

// NewDriver starts drv and returns an acquirer bound to it. A driver that
// fails to start is a startup-fatal condition.
func NewDriver(drv Driver, cfg DriverConfig, st *stats.Pipeline, logger *slog.Logger) (*DriverAcquirer, error) {
	if drv == nil {
		return nil, fmt.Errorf("acquire: driver is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("acquire: negative driver timeout %v", cfg.Timeout)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDriverTimeout
	}
	if st == nil {
		st = stats.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &DriverAcquirer{
		drv:     drv,
		timeout: cfg.Timeout,
		meta:    cfg.Meta,
		stats:   st,
		logger:  logger.With("component", "acquire", "mode", "driver"),
	}
	if err := drv.Start(a.onComplete); err != nil {
		return nil, fmt.Errorf("acquire: start driver: %w", err)
	}

	a.logger.Info("acquire: driver streaming",
		"buffers", drv.Buffers(),
		"timeout", cfg.Timeout,
	)
	return a, nil
}

// State returns the current request state.
func (a *DriverAcquirer) State() RequestState { return RequestState(a.state.Load()) }

// LastOutcome returns how the previous request ended.
func (a *DriverAcquirer) LastOutcome() RequestState { return RequestState(a.last.Load()) }

// Acquire waits for the next driver completion after the call.
// Not safe for concurrent use; one request is armed at a time.
func (a *DriverAcquirer) Acquire(ctx context.Context, dst []byte) (*frame.Frame, error) {
	start := time.Now()
	req := &armed{dst: dst[:0], done: make(chan struct{})}
	if !a.target.CompareAndSwap(nil, req) {
		return nil, errors.New("acquire: a driver request is already armed")
	}
	a.state.Store(int32(StateRequestSubmitted))
	defer a.state.Store(int32(StateIdle))

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		if a.target.CompareAndSwap(req, nil) {
			a.finish(StateTimedOut)
			return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("no completion within %v", a.timeout)}
		}
		<-req.done // callback already owns it and is copying
	case <-ctx.Done():
		if a.target.CompareAndSwap(req, nil) {
			a.finish(StateCancelled)
			a.stats.DriverCancelled.Add(1)
			return nil, ErrCancelled
		}
		<-req.done
	}

	if errors.Is(req.err, ErrCancelled) {
		a.finish(StateCancelled)
		return nil, ErrCancelled
	}
	a.finish(StateCompletionReceived)
	if req.err != nil {
		return nil, &Error{Kind: KindCaptureFailed, Err: req.err}
	}
	if len(req.data) == 0 {
		return nil, &Error{Kind: KindEmptyFrame, Detail: "driver delivered zero bytes"}
	}

	f := frame.New(0, req.data, req.at)
	f.Meta = a.meta
	f.CaptureDuration = time.Since(start)
	return f, nil
}

func (a *DriverAcquirer) finish(s RequestState) {
	a.state.Store(int32(s))
	a.last.Store(int32(s))
}

// onComplete is the driver callback: borrow, copy out, requeue.
func (a *DriverAcquirer) onComplete(r Request) {
	a.stats.DriverCompletions.Add(1)

	if r.Status() == StatusCancelled {
		a.stats.DriverCancelled.Add(1)
		return
	}

	req := a.target.Swap(nil)
	if req == nil {
		a.stats.DriverSkipped.Add(1)
		a.requeue(r)
		return
	}

	if r.Status() == StatusError {
		req.err = r.Err()
		if req.err == nil {
			req.err = errors.New("driver reported error status")
		}
	} else {
		req.data = append(req.dst, r.Buffer()...)
		req.at = r.Timestamp()
	}

	a.requeue(r)
	close(req.done)
}

func (a *DriverAcquirer) requeue(r Request) {
	if err := a.drv.Requeue(r); err != nil {
		a.logger.Warn("acquire: driver requeue failed", "error", err)
	}
}

// Close stops the driver. Pending driver requests complete as cancelled and
// are never enqueued.
func (a *DriverAcquirer) Close() error {
	if req := a.target.Swap(nil); req != nil {
		req.err = ErrCancelled
		close(req.done)
	}
	if err := a.drv.Stop(); err != nil {
		return fmt.Errorf("acquire: stop driver: %w", err)
	}
	a.logger.Info("acquire: driver stopped",
		"completions", a.stats.DriverCompletions.Load(),
		"skipped", a.stats.DriverSkipped.Load(),
		"cancelled", a.stats.DriverCancelled.Load(),
	)
	return nil
}
