package acquire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

func newSimAcquirer(t *testing.T, cfg SimulatedConfig, timeout time.Duration) (*DriverAcquirer, *SimulatedDriver, *stats.Pipeline) {
	t.Helper()
	drv, err := NewSimulatedDriver(cfg)
	if err != nil {
		t.Fatalf("NewSimulatedDriver: %v", err)
	}
	st := stats.New()
	a, err := NewDriver(drv, DriverConfig{Timeout: timeout}, st, nil)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, drv, st
}

// TestDriver_CopyThenRequeue verifies the callback copies the borrowed
// buffer before resubmitting it: the captured payload must survive the
// driver reusing its memory for later completions.
func TestDriver_CopyThenRequeue(t *testing.T) {
	a, drv, _ := newSimAcquirer(t, SimulatedConfig{
		Buffers: 2,
		Period:  2 * time.Millisecond,
		Sizes:   []int{4096},
	}, time.Second)

	f, err := a.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if f.Size != 4096 {
		t.Fatalf("Expected 4096 bytes, got %d", f.Size)
	}
	marker := f.Data[0]

	// Let the driver cycle its buffers several more times.
	time.Sleep(30 * time.Millisecond)

	for i, b := range f.Data {
		if b != marker {
			t.Fatalf("payload mutated at %d after requeue: %d != %d", i, b, marker)
		}
	}
	if a.LastOutcome() != StateCompletionReceived || a.State() != StateIdle {
		t.Errorf("unexpected state: last=%v now=%v", a.LastOutcome(), a.State())
	}

	a.Close()
	if drv.Outstanding() != 0 {
		t.Errorf("driver requests not requeued: %d outstanding", drv.Outstanding())
	}
}

// TestDriver_UnarmedCompletionsSkipped checks that completions arriving
// while no capture is requested are requeued untouched.
func TestDriver_UnarmedCompletionsSkipped(t *testing.T) {
	_, drv, st := newSimAcquirer(t, SimulatedConfig{
		Buffers: 3,
		Period:  time.Millisecond,
		Sizes:   []int{64},
	}, time.Second)

	time.Sleep(30 * time.Millisecond)

	if st.DriverSkipped.Load() == 0 {
		t.Error("Expected skipped completions while idle")
	}
	if drv.Stalls() != 0 {
		t.Errorf("driver starved of buffers: %d stalls", drv.Stalls())
	}
}

// TestDriver_SequentialCapturesAreDistinct takes several frames and checks
// each comes from a different completion.
func TestDriver_SequentialCapturesAreDistinct(t *testing.T) {
	a, _, _ := newSimAcquirer(t, SimulatedConfig{
		Buffers: 4,
		Period:  time.Millisecond,
		Sizes:   []int{100, 200, 300},
	}, time.Second)

	seen := map[byte]bool{}
	for i := 0; i < 5; i++ {
		f, err := a.Acquire(context.Background(), make([]byte, 0, 512))
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if seen[f.Data[0]] {
			t.Errorf("completion %d delivered twice", f.Data[0])
		}
		seen[f.Data[0]] = true
	}
}

func TestDriver_Timeout(t *testing.T) {
	a, _, _ := newSimAcquirer(t, SimulatedConfig{
		Period: time.Hour,
		Sizes:  []int{10},
	}, 30*time.Millisecond)

	_, err := a.Acquire(context.Background(), nil)
	if k, ok := KindOf(err); !ok || k != KindTimeout {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if a.LastOutcome() != StateTimedOut {
		t.Errorf("Expected TimedOut, got %v", a.LastOutcome())
	}
	if a.State() != StateIdle {
		t.Errorf("Expected Idle after timeout, got %v", a.State())
	}
}

func TestDriver_CancelledOnShutdown(t *testing.T) {
	a, _, st := newSimAcquirer(t, SimulatedConfig{
		Period: time.Hour,
		Sizes:  []int{10},
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Acquire(ctx, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	if a.LastOutcome() != StateCancelled {
		t.Errorf("Expected Cancelled, got %v", a.LastOutcome())
	}
	if st.DriverCancelled.Load() != 1 {
		t.Errorf("Expected 1 cancelled request, got %d", st.DriverCancelled.Load())
	}
}

// manualDriver completes requests only when the test says so.
type manualDriver struct {
	h        CompletionHandler
	requeued chan Request
}

func newManualDriver() *manualDriver {
	return &manualDriver{requeued: make(chan Request, 16)}
}

func (d *manualDriver) Start(h CompletionHandler) error { d.h = h; return nil }
func (d *manualDriver) Requeue(r Request) error         { d.requeued <- r; return nil }
func (d *manualDriver) Stop() error                     { return nil }
func (d *manualDriver) Buffers() int                    { return 1 }

func (d *manualDriver) complete(data []byte, status Status, err error) {
	d.h(&simRequest{buf: data, status: status, err: err, ts: time.Now()})
}

func waitArmed(t *testing.T, a *DriverAcquirer) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for a.State() != StateRequestSubmitted {
		if time.Now().After(deadline) {
			t.Fatal("request never armed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDriver_ErrorStatus(t *testing.T) {
	drv := newManualDriver()
	a, err := NewDriver(drv, DriverConfig{Timeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background(), nil)
		errCh <- err
	}()
	waitArmed(t, a)
	drv.complete(nil, StatusError, errors.New("sensor fault"))

	err = <-errCh
	if k, ok := KindOf(err); !ok || k != KindCaptureFailed {
		t.Fatalf("Expected capture failure, got %v", err)
	}
	select {
	case <-drv.requeued:
	default:
		t.Error("faulted request was not requeued")
	}
}

// TestDriver_ManualCompletion drives the state machine step by step.
func TestDriver_ManualCompletion(t *testing.T) {
	drv := newManualDriver()
	a, err := NewDriver(drv, DriverConfig{Timeout: time.Second}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != StateIdle {
		t.Fatalf("Expected Idle, got %v", a.State())
	}

	// A completion with nothing armed is requeued and dropped.
	drv.complete([]byte("early"), StatusComplete, nil)
	<-drv.requeued

	got := make(chan []byte, 1)
	go func() {
		f, err := a.Acquire(context.Background(), nil)
		if err != nil {
			t.Errorf("Acquire: %v", err)
			got <- nil
			return
		}
		got <- f.Data
	}()
	waitArmed(t, a)

	borrowed := []byte("payload")
	drv.complete(borrowed, StatusComplete, nil)
	copy(borrowed, "XXXXXXX") // driver reuses its memory after requeue

	if data := <-got; string(data) != "payload" {
		t.Errorf("Expected copied payload, got %q", data)
	}
	if a.LastOutcome() != StateCompletionReceived {
		t.Errorf("Expected CompletionReceived, got %v", a.LastOutcome())
	}
}

func TestDriver_EmptyFrame(t *testing.T) {
	a, _, _ := newSimAcquirer(t, SimulatedConfig{
		Period: time.Millisecond,
		Sizes:  []int{0},
	}, time.Second)

	_, err := a.Acquire(context.Background(), nil)
	if k, ok := KindOf(err); !ok || k != KindEmptyFrame {
		t.Fatalf("Expected empty frame, got %v", err)
	}
}

// TestDriver_CloseCancelsQueuedRequests confirms queued driver buffers end
// as cancelled on shutdown and nothing is delivered afterwards.
func TestDriver_CloseCancelsQueuedRequests(t *testing.T) {
	drv, _ := NewSimulatedDriver(SimulatedConfig{Buffers: 4, Period: time.Hour, Sizes: []int{8}})
	st := stats.New()
	a, err := NewDriver(drv, DriverConfig{}, st, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := st.DriverCancelled.Load(); got != 4 {
		t.Errorf("Expected 4 cancelled driver requests, got %d", got)
	}
}

func TestNewDriver_Validation(t *testing.T) {
	if _, err := NewDriver(nil, DriverConfig{}, nil, nil); err == nil {
		t.Error("Expected error for nil driver")
	}
	drv, _ := NewSimulatedDriver(SimulatedConfig{Sizes: []int{1}})
	if _, err := NewDriver(drv, DriverConfig{Timeout: -1}, nil, nil); err == nil {
		t.Error("Expected error for negative timeout")
	}
	if _, err := NewSimulatedDriver(SimulatedConfig{}); err == nil {
		t.Error("Expected error without sizes")
	}
}
