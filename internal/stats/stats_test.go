package stats

import (
	"sync"
	"testing"
	"time"
)

// TestSnapshot_Averages verifies the derived average timings.
func TestSnapshot_Averages(t *testing.T) {
	p := New()
	p.ObserveCapture(100 * time.Millisecond)
	p.ObserveCapture(300 * time.Millisecond)
	p.ObserveWrite(1000, 50*time.Millisecond)

	s := p.Snapshot()
	if s.Captured != 2 {
		t.Errorf("Expected 2 captured, got %d", s.Captured)
	}
	if s.AvgCapture != 200*time.Millisecond {
		t.Errorf("Expected avg capture 200ms, got %v", s.AvgCapture)
	}
	if s.AvgWrite != 50*time.Millisecond {
		t.Errorf("Expected avg write 50ms, got %v", s.AvgWrite)
	}
	if s.BytesWritten != 1000 {
		t.Errorf("Expected 1000 bytes, got %d", s.BytesWritten)
	}
}

// TestSnapshot_Drained checks the post-drain accounting identity.
func TestSnapshot_Drained(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"empty", Snapshot{}, true},
		{"all_written", Snapshot{Captured: 5, Written: 5}, true},
		{"one_failed", Snapshot{Captured: 5, Written: 4, WriteFailed: 1}, true},
		{"one_overwritten", Snapshot{Captured: 5, Written: 4, Overwritten: 1}, true},
		{"in_flight", Snapshot{Captured: 5, Written: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Drained(); got != tt.want {
				t.Errorf("Drained() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLatency_ConcurrentObserve feeds the digest from several goroutines.
func TestLatency_ConcurrentObserve(t *testing.T) {
	l := NewLatency()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 250; i++ {
				l.Observe(time.Duration(i) * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if l.Count() != 1000 {
		t.Fatalf("Expected 1000 samples, got %d", l.Count())
	}

	p50 := l.Quantile(0.5)
	if p50 < 100*time.Millisecond || p50 > 150*time.Millisecond {
		t.Errorf("p50 out of range: %v", p50)
	}
	if l.Quantile(0.99) < p50 {
		t.Errorf("p99 < p50")
	}
}

// TestLatency_Nil ensures a nil digest is inert.
func TestLatency_Nil(t *testing.T) {
	var l *Latency
	l.Observe(time.Second)
	if l.Quantile(0.5) != 0 || l.Count() != 0 {
		t.Error("nil latency should report zero")
	}
}
