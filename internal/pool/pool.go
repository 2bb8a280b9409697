// Package pool bounds frame memory to a fixed number of reusable slots.
//
// Every slot cycles through four roles:
//
//	Free → CaptureTarget → Published → Reading → Free
//
// The producer fills a CaptureTarget, then publishes it with a single atomic
// store. The consumer claims a Published slot with a compare-and-swap, so it
// never observes a partially written buffer. The state word also carries a
// generation number: a lease taken on one use of a slot can never claim or
// release a later use.
//
// When every slot is in flight the pool applies its Policy. PolicyBlock makes
// the producer wait (PoolExhausted). PolicyOverwrite reclaims the oldest
// published-but-unread slot and counts the lost frame.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool: closed")

// Policy selects what happens when a capture needs a slot and none is free.
type Policy int

const (
	// PolicyBlock stalls the producer until the consumer frees a slot.
	PolicyBlock Policy = iota
	// PolicyOverwrite reclaims the oldest unread frame and counts it as lost.
	PolicyOverwrite
)

// String returns the config spelling of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a Policy. Empty means PolicyBlock.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return PolicyBlock, nil
	case "overwrite":
		return PolicyOverwrite, nil
	default:
		return PolicyBlock, fmt.Errorf("pool: unknown policy %q (want block or overwrite)", s)
	}
}

// Config sizes the pool.
type Config struct {
	Size      int    // number of slots (in-flight frame bound)
	FrameSize int    // initial capacity per slot; 0 allocates lazily
	Policy    Policy // behaviour when all slots are in flight
}

// Pool is a fixed set of frame buffers.
type Pool struct {
	slots  []*Slot
	free   chan *Slot
	policy Policy
	stats  *stats.Pipeline
	logger *slog.Logger

	mu        sync.Mutex
	published []*Slot // oldest first; overwrite candidates

	inFlight  atomic.Int64
	highWater atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

// New allocates cfg.Size slots. Memory is reserved up front when FrameSize
// is known so the RAM ceiling is hit at startup rather than mid-run.
func New(cfg Config, st *stats.Pipeline, logger *slog.Logger) (*Pool, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("pool: size must be >= 1, got %d", cfg.Size)
	}
	if cfg.FrameSize < 0 {
		return nil, fmt.Errorf("pool: negative frame size %d", cfg.FrameSize)
	}
	if st == nil {
		st = stats.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		slots:  make([]*Slot, cfg.Size),
		free:   make(chan *Slot, cfg.Size),
		policy: cfg.Policy,
		stats:  st,
		logger: logger.With("component", "pool"),
		closed: make(chan struct{}),
	}
	for i := range p.slots {
		s := &Slot{pool: p, id: i}
		if cfg.FrameSize > 0 {
			s.buf = make([]byte, 0, cfg.FrameSize)
		}
		p.slots[i] = s
		p.free <- s
	}

	p.logger.Info("pool: slots allocated",
		"size", cfg.Size,
		"frame_size", cfg.FrameSize,
		"policy", cfg.Policy.String(),
	)
	return p, nil
}

// Acquire returns a slot in the CaptureTarget role.
//
// With every slot in flight, PolicyBlock waits until one is released or ctx
// is done; PolicyOverwrite first tries to reclaim the oldest unread frame.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case s := <-p.free:
		return p.take(s), nil
	default:
	}

	if p.policy == PolicyOverwrite {
		if s := p.reclaim(); s != nil {
			return s, nil
		}
	}

	p.stats.PoolExhausted.Add(1)
	p.logger.Debug("pool: exhausted, producer waiting",
		"size", len(p.slots),
		"in_flight", p.inFlight.Load(),
	)

	select {
	case s := <-p.free:
		return p.take(s), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrClosed
	}
}

// take moves a free slot into the CaptureTarget role under a new generation.
func (p *Pool) take(s *Slot) *Slot {
	gen := genOf(s.word.Load()) + 1
	s.word.Store(pack(gen, stateCapture))

	n := p.inFlight.Add(1)
	for {
		hw := p.highWater.Load()
		if n <= hw || p.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	return s
}

// reclaim steals the oldest Published slot. The slot stays in flight; only
// its generation changes, which invalidates the queued lease.
func (p *Pool) reclaim() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.published {
		w := s.word.Load()
		if stateOf(w) != statePublished {
			continue
		}
		if !s.word.CompareAndSwap(w, pack(genOf(w)+1, stateCapture)) {
			continue
		}
		p.published = append(p.published[:i], p.published[i+1:]...)
		p.stats.Overwritten.Add(1)
		p.logger.Warn("pool: overwriting unread frame",
			"slot", s.id,
			"overwritten_total", p.stats.Overwritten.Load(),
		)
		return s
	}
	return nil
}

func (p *Pool) unpublish(s *Slot) {
	p.mu.Lock()
	for i, q := range p.published {
		if q == s {
			p.published = append(p.published[:i], p.published[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Pool) release(s *Slot) {
	p.inFlight.Add(-1)
	p.free <- s
}

// Close wakes any producer blocked in Acquire. Slots already handed out
// remain valid and may still be released.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// InFlight returns the number of slots not currently free.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// HighWater returns the maximum InFlight observed.
func (p *Pool) HighWater() int { return int(p.highWater.Load()) }

// Policy returns the configured exhaustion policy.
func (p *Pool) Policy() Policy { return p.policy }
