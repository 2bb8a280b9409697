// Package pipeline runs the capture producer and the persistence consumer
// and owns the start/stop/drain lifecycle.
//
// The producer waits for a trigger, takes a pool slot, acquires a frame into
// it and enqueues it. The consumer (persist.Worker) writes frames until the
// queue is stopped and empty. Stopping cancels only the trigger side: a
// capture in progress completes or times out, the producer exits, the queue
// is stopped and the worker drains every queued frame before Wait returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/acquire"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/queue"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/trigger"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("pipeline: already started")

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("pipeline: not started")

// State is the controller lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps are the stages the controller coordinates. All are required except
// Cadence.
type Deps struct {
	Trigger  trigger.Source
	Acquirer acquire.Acquirer
	Pool     *pool.Pool
	Queue    *queue.Queue[*frame.Frame]
	Worker   *persist.Worker
	Stats    *stats.Pipeline
	Cadence  *trigger.CadenceRecorder
}

// Config bounds a run.
type Config struct {
	// MaxCycles ends the producer after this many trigger cycles, failed
	// ones included. Zero runs until Stop.
	MaxCycles uint64
}

// Controller wires producer and consumer together.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	started       bool
	cancelTrigger context.CancelFunc
	cancelAcquire context.CancelFunc
	done          chan struct{}
	err           error

	state atomic.Int32
	seq   uint64 // producer-only
}

// New validates deps.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Trigger == nil:
		return nil, fmt.Errorf("pipeline: trigger source is required")
	case deps.Acquirer == nil:
		return nil, fmt.Errorf("pipeline: acquirer is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("pipeline: buffer pool is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("pipeline: persistence queue is required")
	case deps.Worker == nil:
		return nil, fmt.Errorf("pipeline: persistence worker is required")
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
		done:   make(chan struct{}),
	}, nil
}

// State reports the lifecycle position; safe from any goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// Start launches producer and consumer. Cancelling ctx is equivalent to
// Abort.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	triggerCtx, cancelTrigger := context.WithCancel(ctx)
	// Acquisition outlives the trigger so an in-progress capture is never
	// torn mid-frame by a stop request.
	acquireCtx, cancelAcquire := context.WithCancel(context.Background())
	c.cancelTrigger = cancelTrigger
	c.cancelAcquire = cancelAcquire

	c.deps.Stats.MarkStarted(time.Now())
	c.state.Store(int32(StateRunning))
	c.logger.Info("pipeline: started",
		"pool_size", c.deps.Pool.Size(),
		"pool_policy", c.deps.Pool.Policy().String(),
		"max_cycles", c.cfg.MaxCycles,
	)

	var g errgroup.Group
	g.Go(func() error {
		defer c.deps.Queue.Stop()
		defer c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
		return c.produce(triggerCtx, acquireCtx)
	})
	g.Go(c.deps.Worker.Run)

	go func() {
		err := g.Wait()
		cancelTrigger()
		cancelAcquire()
		c.deps.Pool.Close()

		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.state.Store(int32(StateStopped))

		snap := c.deps.Stats.Snapshot()
		c.logger.Info("pipeline: stopped",
			"cycles", snap.Cycles,
			"frames_captured", snap.Captured,
			"frames_written", snap.Written,
			"write_failed", snap.WriteFailed,
			"overwritten", snap.Overwritten,
			"drained", snap.Drained(),
			"error", err,
		)
		close(c.done)
	}()
	return nil
}

// Abort requests a stop and returns immediately. Safe from any goroutine,
// including signal handlers, and idempotent.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancelTrigger
	c.mu.Unlock()
	if cancel != nil {
		c.logger.Info("pipeline: stop requested")
		cancel()
	}
}

// Stop aborts and waits for the drain.
func (c *Controller) Stop() error {
	c.Abort()
	return c.Wait()
}

// Wait blocks until every queued frame has been handled.
func (c *Controller) Wait() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the pipeline has fully drained.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) produce(ctx, acquireCtx context.Context) error {
	for {
		if c.cfg.MaxCycles > 0 && c.deps.Stats.Cycles.Load() >= c.cfg.MaxCycles {
			c.logger.Info("pipeline: cycle limit reached", "max_cycles", c.cfg.MaxCycles)
			return nil
		}
		if err := c.cycle(ctx, acquireCtx); err != nil {
			if errors.Is(err, trigger.ErrExhausted) {
				c.logger.Info("pipeline: trigger source exhausted",
					"cycles", c.deps.Stats.Cycles.Load(),
					"clock_edges", c.deps.Stats.ClockEdges.Load(),
				)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// cycle runs one trigger → acquire → enqueue step. A failed acquisition is
// logged and leaves a sequence gap; only shutdown or a broken stage returns
// an error.
func (c *Controller) cycle(ctx, acquireCtx context.Context) error {
	ev, err := c.deps.Trigger.Next(ctx)
	if err != nil {
		return err
	}
	// No capture starts once stop is requested, whatever the source did.
	if err := ctx.Err(); err != nil {
		return err
	}

	seq := c.seq
	c.seq++
	c.deps.Stats.Cycles.Add(1)
	if c.deps.Cadence != nil {
		c.deps.Cadence.Record(ev.At)
	}

	slot, err := c.deps.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: buffer pool: %w", err)
	}

	f, err := c.deps.Acquirer.Acquire(acquireCtx, slot.Buffer())
	if err != nil {
		slot.Discard()
		c.acquireFailed(seq, err)
		return nil
	}

	f.Seq = seq
	f.Tags = ev.Tags
	f.Attach(slot.Publish(f.Data))

	if err := c.deps.Queue.Push(f); err != nil {
		if f.Claim() {
			f.Release()
		}
		return fmt.Errorf("pipeline: enqueue frame %d: %w", seq, err)
	}
	c.deps.Stats.ObserveCapture(f.CaptureDuration)

	c.logger.Debug("pipeline: frame captured",
		"seq", seq,
		"bytes", f.Size,
		"capture_ms", f.CaptureDuration.Milliseconds(),
		"trigger", ev.Kind.String(),
		"queue_len", c.deps.Queue.Len(),
		"in_flight", c.deps.Pool.InFlight(),
	)
	return nil
}

func (c *Controller) acquireFailed(seq uint64, err error) {
	kind, ok := acquire.KindOf(err)
	if !ok {
		c.logger.Warn("pipeline: acquisition interrupted, skipping cycle", "seq", seq, "error", err)
		return
	}
	switch kind {
	case acquire.KindCaptureFailed:
		c.deps.Stats.CaptureFailed.Add(1)
	case acquire.KindEmptyFrame:
		c.deps.Stats.EmptyFrames.Add(1)
	case acquire.KindTimeout:
		c.deps.Stats.CaptureTimeout.Add(1)
	}
	c.logger.Warn("pipeline: acquisition failed, skipping cycle",
		"seq", seq,
		"kind", kind.String(),
		"error", err,
	)
}
