package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

// EdgeHandler receives level transitions. It is called on the line's own
// goroutine, concurrently with the capture loop.
type EdgeHandler func(line, level int, tick uint64)

// Line is an external signal line with level read and edge registration.
type Line interface {
	ID() int
	Level() (int, error)
	Watch(h EdgeHandler) error
	Close() error
}

// Polarity selects which transitions count as edges.
type Polarity int

const (
	Rising Polarity = iota
	Falling
	Both
)

// ParsePolarity maps a config value; empty means Rising.
func ParsePolarity(s string) (Polarity, error) {
	switch s {
	case "", "rising":
		return Rising, nil
	case "falling":
		return Falling, nil
	case "both":
		return Both, nil
	default:
		return Rising, fmt.Errorf("trigger: unknown edge polarity %q", s)
	}
}

func (p Polarity) matches(level int) bool {
	switch p {
	case Rising:
		return level != 0
	case Falling:
		return level == 0
	default:
		return true
	}
}

// EdgeConfig wires an Edge source to its lines.
type EdgeConfig struct {
	Pulse    Line // trigger line; required
	Clock    Line // counted for correlation tags only; optional
	Polarity Polarity

	// PollInterval re-checks the pending flag even without a notification.
	// Zero relies on notifications alone.
	PollInterval time.Duration

	// MaxClockEdges ends the source with ErrExhausted once the clock line
	// has counted this many edges. Zero disables the limit.
	MaxClockEdges uint64
}

// Edge converts pulse-line transitions into capture triggers.
//
// The handler publishes a pending flag and bumps the pulse counter with
// atomics only; it never blocks. Several edges arriving between two Next
// calls coalesce into one trigger, while PulseEdges still counts each of
// them. Clock-line edges only advance ClockEdges.
type Edge struct {
	pulse Line
	clock Line
	pol   Polarity
	poll  time.Duration
	limit uint64
	stats *stats.Pipeline
	log   *slog.Logger

	pending  atomic.Bool
	lastTick atomic.Uint64
	notify   chan struct{}

	seq uint64
}

// NewEdge creates an edge source. Call Start to register the handler.
func NewEdge(cfg EdgeConfig, st *stats.Pipeline, logger *slog.Logger) (*Edge, error) {
	if cfg.Pulse == nil {
		return nil, fmt.Errorf("trigger: pulse line is required")
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("trigger: negative poll interval %v", cfg.PollInterval)
	}
	if cfg.MaxClockEdges > 0 && cfg.Clock == nil {
		return nil, fmt.Errorf("trigger: clock edge limit needs a clock line")
	}
	if st == nil {
		st = stats.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Edge{
		pulse:  cfg.Pulse,
		clock:  cfg.Clock,
		pol:    cfg.Polarity,
		poll:   cfg.PollInterval,
		limit:  cfg.MaxClockEdges,
		stats:  st,
		log:    logger.With("component", "trigger"),
		notify: make(chan struct{}, 1),
	}, nil
}

// Start registers the edge handler on every configured line.
func (e *Edge) Start() error {
	if err := e.pulse.Watch(e.HandleEdge); err != nil {
		return fmt.Errorf("trigger: watch pulse line %d: %w", e.pulse.ID(), err)
	}
	if e.clock != nil {
		if err := e.clock.Watch(e.HandleEdge); err != nil {
			return fmt.Errorf("trigger: watch clock line %d: %w", e.clock.ID(), err)
		}
	}

	level, err := e.pulse.Level()
	if err != nil {
		e.log.Warn("trigger: cannot read initial pulse level", "line", e.pulse.ID(), "error", err)
	}
	e.log.Info("trigger: edge source armed",
		"pulse_line", e.pulse.ID(),
		"clock_line", e.lineID(e.clock),
		"initial_level", level,
		"poll_interval", e.poll,
		"max_clock_edges", e.limit,
	)
	return nil
}

func (e *Edge) lineID(l Line) int {
	if l == nil {
		return -1
	}
	return l.ID()
}

// HandleEdge is the asynchronous level-change callback. Lock-free.
func (e *Edge) HandleEdge(line, level int, tick uint64) {
	if !e.pol.matches(level) {
		return
	}

	switch {
	case line == e.pulse.ID():
		e.stats.PulseEdges.Add(1)
		e.lastTick.Store(tick)
		e.pending.Store(true)
		select {
		case e.notify <- struct{}{}:
		default:
		}
	case e.clock != nil && line == e.clock.ID():
		if n := e.stats.ClockEdges.Add(1); e.limit > 0 && n == e.limit {
			select {
			case e.notify <- struct{}{}:
			default:
			}
		}
	}
}

// Next blocks until at least one pulse edge is pending and consumes it.
// Cancellation wins over pending edges, and ErrExhausted wins over both
// once the clock edge limit is reached.
func (e *Edge) Next(ctx context.Context) (Event, error) {
	var pollC <-chan time.Time
	if e.poll > 0 {
		t := time.NewTicker(e.poll)
		defer t.Stop()
		pollC = t.C
	}

	for {
		if e.limit > 0 && e.stats.ClockEdges.Load() >= e.limit {
			return Event{}, ErrExhausted
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if e.pending.Swap(false) {
			ev := Event{
				Kind: KindExternalEdge,
				Seq:  e.seq,
				At:   time.Now(),
				Tags: frame.Tags{
					Pulses: e.stats.PulseEdges.Load(),
					Clock:  e.stats.ClockEdges.Load(),
					Tick:   e.lastTick.Load(),
				},
			}
			e.seq++
			return ev, nil
		}

		select {
		case <-e.notify:
		case <-pollC:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close releases the lines.
func (e *Edge) Close() error {
	var firstErr error
	for _, l := range []Line{e.pulse, e.clock} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
