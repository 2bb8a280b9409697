package trigger

import (
	"context"
	"fmt"
	"time"
)

// clock abstracts time so pacing can be tested without sleeping.
type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Periodic fires once per interval, measured from the start of the previous
// cycle. Work done since that start (capture, enqueue) is subtracted from
// the wait; a cycle that overran the interval is followed by an immediate
// trigger with no added sleep. Each wait depends only on the preceding
// cycle, so lateness never compounds.
type Periodic struct {
	interval time.Duration
	clock    clock

	seq       uint64
	lastStart time.Time
}

// NewPeriodic creates a timer source. The first event fires immediately.
func NewPeriodic(interval time.Duration) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("trigger: interval must be positive, got %v", interval)
	}
	return &Periodic{interval: interval, clock: realClock{}}, nil
}

// Interval returns the configured cycle length.
func (p *Periodic) Interval() time.Duration { return p.interval }

// Next waits out the remainder of the current cycle, then starts a new one.
// Not safe for concurrent use; the producer is its only caller.
func (p *Periodic) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	if !p.lastStart.IsZero() {
		elapsed := p.clock.Now().Sub(p.lastStart)
		if wait := p.interval - elapsed; wait > 0 {
			if err := p.clock.Sleep(ctx, wait); err != nil {
				return Event{}, err
			}
		}
	}

	now := p.clock.Now()
	p.lastStart = now
	ev := Event{Kind: KindTimer, Seq: p.seq, At: now}
	p.seq++
	return ev, nil
}
