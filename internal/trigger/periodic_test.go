package trigger

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when slept on or when a test simulates work.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) work(d time.Duration) { c.now = c.now.Add(d) }

func newFakePeriodic(t *testing.T, interval time.Duration) (*Periodic, *fakeClock) {
	t.Helper()
	p, err := NewPeriodic(interval)
	if err != nil {
		t.Fatalf("NewPeriodic: %v", err)
	}
	c := &fakeClock{now: time.Unix(1700000000, 0)}
	p.clock = c
	return p, c
}

func TestNewPeriodic_Validation(t *testing.T) {
	for _, iv := range []time.Duration{0, -time.Second} {
		if _, err := NewPeriodic(iv); err == nil {
			t.Errorf("NewPeriodic(%v) should fail", iv)
		}
	}
}

// TestPeriodic_Pacing checks that with negligible cycle cost consecutive
// triggers are exactly one interval apart.
func TestPeriodic_Pacing(t *testing.T) {
	p, _ := newFakePeriodic(t, 2000*time.Millisecond)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		ev, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev.Seq != uint64(i) || ev.Kind != KindTimer {
			t.Errorf("unexpected event %+v", ev)
		}
		stamps = append(stamps, ev.At)
	}

	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap != 2000*time.Millisecond {
			t.Errorf("gap %d = %v, want 2s", i, gap)
		}
	}
}

// TestPeriodic_SubtractsCycleWork verifies the wait is interval minus the
// time already spent since the previous cycle started.
func TestPeriodic_SubtractsCycleWork(t *testing.T) {
	p, c := newFakePeriodic(t, 2000*time.Millisecond)
	ctx := context.Background()

	p.Next(ctx)
	c.work(500 * time.Millisecond)
	p.Next(ctx)

	if len(c.sleeps) != 1 || c.sleeps[0] != 1500*time.Millisecond {
		t.Fatalf("Expected one 1.5s sleep, got %v", c.sleeps)
	}
}

// TestPeriodic_OverrunDoesNotCompound models a slow capture: the next
// trigger fires immediately, and the cycle after that returns to a full
// interval rather than trying to catch up.
func TestPeriodic_OverrunDoesNotCompound(t *testing.T) {
	p, c := newFakePeriodic(t, 2000*time.Millisecond)
	ctx := context.Background()

	e0, _ := p.Next(ctx)
	c.work(2500 * time.Millisecond) // capture overran
	e1, _ := p.Next(ctx)

	if len(c.sleeps) != 0 {
		t.Fatalf("overrun cycle should not sleep, slept %v", c.sleeps)
	}
	if gap := e1.At.Sub(e0.At); gap != 2500*time.Millisecond {
		t.Errorf("Expected immediate fire at 2.5s, got %v", gap)
	}

	c.work(100 * time.Millisecond)
	e2, _ := p.Next(ctx)
	if gap := e2.At.Sub(e1.At); gap != 2000*time.Millisecond {
		t.Errorf("Expected pacing to resume at 2s, got %v", gap)
	}
	if len(c.sleeps) != 1 || c.sleeps[0] != 1900*time.Millisecond {
		t.Errorf("Expected single 1.9s sleep, got %v", c.sleeps)
	}
}

// TestPeriodic_ScenarioWallTime runs five cycles with varying capture cost
// and checks the total span equals max(interval sum, work sum).
func TestPeriodic_ScenarioWallTime(t *testing.T) {
	p, c := newFakePeriodic(t, 2000*time.Millisecond)
	ctx := context.Background()

	start := c.Now()
	captures := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		150 * time.Millisecond,
		400 * time.Millisecond,
		50 * time.Millisecond,
	}
	for _, d := range captures {
		if _, err := p.Next(ctx); err != nil {
			t.Fatalf("Next: %v", err)
		}
		c.work(d)
	}

	// Four waits separate five triggers; the last capture ends the run.
	want := 4*2000*time.Millisecond + captures[4]
	if got := c.Now().Sub(start); got != want {
		t.Errorf("wall time %v, want %v", got, want)
	}
}

func TestPeriodic_CancelDuringWait(t *testing.T) {
	p, err := NewPeriodic(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("first Next: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not observe cancellation")
	}
}
