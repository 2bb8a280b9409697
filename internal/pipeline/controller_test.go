package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/acquire"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/queue"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/trigger"
)

// instantSource fires as fast as the producer asks.
type instantSource struct{ seq uint64 }

func (s *instantSource) Next(ctx context.Context) (trigger.Event, error) {
	if err := ctx.Err(); err != nil {
		return trigger.Event{}, err
	}
	ev := trigger.Event{Kind: trigger.KindTimer, Seq: s.seq, At: time.Now()}
	s.seq++
	return ev, nil
}

// fakeAcquirer appends sizes[i] bytes of value byte(i) into the slot buffer.
type fakeAcquirer struct {
	sizes []int
	fail  map[int]error
	delay time.Duration
	calls int
}

func (a *fakeAcquirer) Acquire(_ context.Context, dst []byte) (*frame.Frame, error) {
	i := a.calls
	a.calls++
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if err := a.fail[i]; err != nil {
		return nil, err
	}
	n := a.sizes[i%len(a.sizes)]
	data := append(dst[:0], bytes.Repeat([]byte{byte(i)}, n)...)
	f := frame.New(0, data, time.Now())
	f.CaptureDuration = a.delay
	return f, nil
}

func (a *fakeAcquirer) Close() error { return nil }

// slowStorage keeps payloads in memory and stalls every open.
type slowStorage struct {
	delay time.Duration
	mu    sync.Mutex
	files map[string][]byte
}

func (s *slowStorage) Open(name string, _ int) (persist.File, error) {
	time.Sleep(s.delay)
	return &slowFile{s: s, name: name}, nil
}

func (s *slowStorage) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

type slowFile struct {
	s    *slowStorage
	name string
	buf  bytes.Buffer
}

func (f *slowFile) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *slowFile) Sync() error                 { return nil }
func (f *slowFile) Close() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.files == nil {
		f.s.files = map[string][]byte{}
	}
	f.s.files[f.name] = f.buf.Bytes()
	return nil
}

type rig struct {
	ctrl  *Controller
	stats *stats.Pipeline
	pool  *pool.Pool
	queue *queue.Queue[*frame.Frame]
}

func newRig(t *testing.T, src trigger.Source, acq acquire.Acquirer, storage persist.Storage, poolSize int, policy pool.Policy, cfg Config) *rig {
	t.Helper()
	st := stats.New()
	p, err := pool.New(pool.Config{Size: poolSize, FrameSize: 4096, Policy: policy}, st, nil)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	q := queue.New[*frame.Frame](queue.Config[*frame.Frame]{})
	w, err := persist.NewWorker(q, storage, persist.WorkerConfig{}, st, nil)
	if err != nil {
		t.Fatalf("persist.NewWorker: %v", err)
	}
	ctrl, err := New(Deps{
		Trigger:  src,
		Acquirer: acq,
		Pool:     p,
		Queue:    q,
		Worker:   w,
		Stats:    st,
		Cadence:  trigger.NewCadenceRecorder(0, 0),
	}, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &rig{ctrl: ctrl, stats: st, pool: p, queue: q}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not drain")
	}
	if err := c.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// TestPipeline_Scenario runs five mixed-size frames end to end into a real
// directory: 8000 bytes as frame_000000..frame_000004.
func TestPipeline_Scenario(t *testing.T) {
	dir := t.TempDir()
	storage, err := persist.NewDirStorage(dir, persist.DirOptions{})
	if err != nil {
		t.Fatal(err)
	}
	acq := &fakeAcquirer{sizes: []int{1000, 2000, 1500, 3000, 500}}
	r := newRig(t, &instantSource{}, acq, storage, 2, pool.PolicyBlock, Config{MaxCycles: 5})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, r.ctrl)

	snap := r.stats.Snapshot()
	if snap.Captured != 5 || snap.Written != 5 || snap.BytesWritten != 8000 {
		t.Fatalf("Expected 5/5/8000, got captured=%d written=%d bytes=%d", snap.Captured, snap.Written, snap.BytesWritten)
	}
	for i, size := range acq.sizes {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("frame_%06d.raw", i)))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(data) != size || data[0] != byte(i) {
			t.Errorf("frame %d: len=%d first=%d", i, len(data), data[0])
		}
	}
	if r.ctrl.State() != StateStopped {
		t.Errorf("Expected stopped, got %v", r.ctrl.State())
	}
	t.Logf("✅ Scenario: %d frames, %d bytes", snap.Written, snap.BytesWritten)
}

// TestPipeline_BackpressureBlocksWithoutLoss checks that a slow writer
// throttles the producer through the pool and nothing is dropped.
func TestPipeline_BackpressureBlocksWithoutLoss(t *testing.T) {
	storage := &slowStorage{delay: 10 * time.Millisecond}
	r := newRig(t, &instantSource{}, &fakeAcquirer{sizes: []int{256}}, storage, 2, pool.PolicyBlock, Config{MaxCycles: 12})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r.ctrl)

	snap := r.stats.Snapshot()
	if snap.Written != 12 || len(storage.files) != 12 {
		t.Errorf("Expected 12 writes, got %d (%d files)", snap.Written, len(storage.files))
	}
	if snap.PoolExhausted == 0 {
		t.Error("Expected the producer to block on a full pool")
	}
	if hw := r.pool.HighWater(); hw > 2 {
		t.Errorf("in-flight frames exceeded pool size: %d", hw)
	}
	if snap.Overwritten != 0 {
		t.Errorf("block policy must not overwrite, got %d", snap.Overwritten)
	}
	t.Logf("✅ Backpressure: exhausted=%d high_water=%d", snap.PoolExhausted, r.pool.HighWater())
}

// TestPipeline_OverwriteAccountsEveryFrame runs the low-latency policy
// against a slow writer: frames are lost but each loss is counted.
func TestPipeline_OverwriteAccountsEveryFrame(t *testing.T) {
	storage := &slowStorage{delay: 20 * time.Millisecond}
	r := newRig(t, &instantSource{}, &fakeAcquirer{sizes: []int{64}}, storage, 2, pool.PolicyOverwrite, Config{MaxCycles: 10})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r.ctrl)

	snap := r.stats.Snapshot()
	if !snap.Drained() {
		t.Fatalf("accounting broken: captured=%d written=%d overwritten=%d", snap.Captured, snap.Written, snap.Overwritten)
	}
	if snap.Captured != 10 {
		t.Errorf("Expected 10 captured, got %d", snap.Captured)
	}
	if snap.Overwritten == 0 {
		t.Error("Expected overwrites with a stalled writer")
	}
	if r.pool.HighWater() > 2 {
		t.Errorf("in-flight exceeded pool size: %d", r.pool.HighWater())
	}
}

// TestPipeline_AcquisitionFailuresLeaveGaps verifies failed cycles are
// skipped with a sequence gap and counted per kind.
func TestPipeline_AcquisitionFailuresLeaveGaps(t *testing.T) {
	dir := t.TempDir()
	storage, _ := persist.NewDirStorage(dir, persist.DirOptions{})
	acq := &fakeAcquirer{
		sizes: []int{100},
		fail: map[int]error{
			1: &acquire.Error{Kind: acquire.KindCaptureFailed, Err: errors.New("exit status 1")},
			3: &acquire.Error{Kind: acquire.KindTimeout, Err: errors.New("deadline")},
		},
	}
	r := newRig(t, &instantSource{}, acq, storage, 2, pool.PolicyBlock, Config{MaxCycles: 5})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, r.ctrl)

	var names []string
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := "frame_000000.raw,frame_000002.raw,frame_000004.raw"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("files = %s, want %s", got, want)
	}

	snap := r.stats.Snapshot()
	if snap.Cycles != 5 || snap.CaptureFailed != 1 || snap.CaptureTimeout != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if r.pool.InFlight() != 0 {
		t.Errorf("failed cycles leaked %d slots", r.pool.InFlight())
	}
}

// TestPipeline_StopDrainsQueuedFrames stops a periodic run mid-flight and
// checks every captured frame was written before Stop returned.
func TestPipeline_StopDrainsQueuedFrames(t *testing.T) {
	src, err := trigger.NewPeriodic(2 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	storage := &slowStorage{delay: 5 * time.Millisecond}
	r := newRig(t, src, &fakeAcquirer{sizes: []int{128}}, storage, 3, pool.PolicyBlock, Config{})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	if err := r.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := r.stats.Snapshot()
	if snap.Captured == 0 {
		t.Fatal("nothing captured")
	}
	if snap.Written != snap.Captured {
		t.Errorf("drain incomplete: captured=%d written=%d", snap.Captured, snap.Written)
	}
	if r.queue.Len() != 0 || r.pool.InFlight() != 0 {
		t.Errorf("residue after stop: queue=%d in_flight=%d", r.queue.Len(), r.pool.InFlight())
	}
	t.Logf("✅ Stopped after %d frames", snap.Written)
}

// TestPipeline_StopWaitsForCaptureInProgress verifies a stop request does
// not cut an acquisition short.
func TestPipeline_StopWaitsForCaptureInProgress(t *testing.T) {
	storage := &slowStorage{}
	acq := &fakeAcquirer{sizes: []int{10}, delay: 80 * time.Millisecond}
	r := newRig(t, &instantSource{}, acq, storage, 2, pool.PolicyBlock, Config{})

	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // first capture is in progress
	r.ctrl.Abort()
	waitDone(t, r.ctrl)

	if got := r.stats.Written.Load(); got != 1 {
		t.Errorf("Expected the in-progress capture to be written, got %d", got)
	}
}

func TestPipeline_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src, _ := trigger.NewPeriodic(time.Hour)
	r := newRig(t, src, &fakeAcquirer{sizes: []int{1}}, &slowStorage{}, 2, pool.PolicyBlock, Config{})

	if err := r.ctrl.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, r.ctrl)
}

// TestPipeline_EdgeTriggeredTags drives the pipeline from a simulated pulse
// line and checks frames are named after their edge counts.
func TestPipeline_EdgeTriggeredTags(t *testing.T) {
	st := stats.New()
	pulse := trigger.NewSimulatedLine(17)
	edge, err := trigger.NewEdge(trigger.EdgeConfig{Pulse: pulse, Polarity: trigger.Rising}, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := edge.Start(); err != nil {
		t.Fatal(err)
	}

	p, _ := pool.New(pool.Config{Size: 2, FrameSize: 64}, st, nil)
	q := queue.New[*frame.Frame](queue.Config[*frame.Frame]{})
	storage := &slowStorage{}
	w, _ := persist.NewWorker(q, storage, persist.WorkerConfig{}, st, nil)
	ctrl, err := New(Deps{Trigger: edge, Acquirer: &fakeAcquirer{sizes: []int{32}}, Pool: p, Queue: q, Worker: w, Stats: st}, Config{MaxCycles: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	go pulse.PulseEvery(5*time.Millisecond, stop)
	waitDone(t, ctrl)
	close(stop)

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.files) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(storage.files))
	}
	for name := range storage.files {
		if !strings.Contains(name, "_p") || !strings.Contains(name, "_c0") {
			t.Errorf("untagged edge frame %s", name)
		}
	}
}

// edgeRig wires a controller to simulated pulse and clock lines.
func edgeRig(t *testing.T, acq acquire.Acquirer, maxClockEdges uint64, cfg Config) (*Controller, *stats.Pipeline, *trigger.SimulatedLine, *trigger.SimulatedLine, *slowStorage) {
	t.Helper()
	st := stats.New()
	pulse := trigger.NewSimulatedLine(17)
	clock := trigger.NewSimulatedLine(27)
	edge, err := trigger.NewEdge(trigger.EdgeConfig{
		Pulse:         pulse,
		Clock:         clock,
		Polarity:      trigger.Rising,
		MaxClockEdges: maxClockEdges,
	}, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := edge.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { edge.Close() })

	p, _ := pool.New(pool.Config{Size: 2, FrameSize: 64}, st, nil)
	q := queue.New[*frame.Frame](queue.Config[*frame.Frame]{})
	storage := &slowStorage{}
	w, _ := persist.NewWorker(q, storage, persist.WorkerConfig{}, st, nil)
	ctrl, err := New(Deps{Trigger: edge, Acquirer: acq, Pool: p, Queue: q, Worker: w, Stats: st}, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ctrl, st, pulse, clock, storage
}

// TestPipeline_AbortWithLivePulseTrain stops an edge-triggered run while
// pulses keep arriving faster than a capture takes.
//
// Scenario:
//  1. Pulses every 2ms, each capture takes 20ms
//  2. Abort after 100ms with the pulse train still running
//  3. The run drains promptly and at most the in-progress cycle completes
func TestPipeline_AbortWithLivePulseTrain(t *testing.T) {
	acq := &fakeAcquirer{sizes: []int{32}, delay: 20 * time.Millisecond}
	ctrl, st, pulse, _, storage := edgeRig(t, acq, 0, Config{})

	stop := make(chan struct{})
	defer close(stop)
	go pulse.PulseEvery(2*time.Millisecond, stop)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	ctrl.Abort()
	atAbort := st.Cycles.Load()

	select {
	case <-ctrl.Done():
	case <-time.After(time.Second):
		t.Fatalf("pipeline still running after Abort: cycles at abort=%d now=%d", atAbort, st.Cycles.Load())
	}
	if err := ctrl.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	snap := st.Snapshot()
	if snap.Cycles > atAbort+1 {
		t.Errorf("captures started after Abort: cycles at abort=%d final=%d", atAbort, snap.Cycles)
	}
	if !snap.Drained() || snap.Written != snap.Captured {
		t.Errorf("drain incomplete: captured=%d written=%d", snap.Captured, snap.Written)
	}
	storage.mu.Lock()
	files := len(storage.files)
	storage.mu.Unlock()
	if uint64(files) != snap.Written {
		t.Errorf("Expected %d files, got %d", snap.Written, files)
	}
	t.Logf("✅ Aborted with %d pulses seen, %d frames written", snap.PulseEdges, snap.Written)
}

// TestPipeline_ClockEdgeLimitEndsRun bounds an edge-triggered run by the
// external clock instead of a cycle count.
func TestPipeline_ClockEdgeLimitEndsRun(t *testing.T) {
	ctrl, st, pulse, clock, _ := edgeRig(t, &fakeAcquirer{sizes: []int{16}}, 20, Config{})

	stop := make(chan struct{})
	defer close(stop)
	go pulse.PulseEvery(3*time.Millisecond, stop)
	go clock.PulseEvery(time.Millisecond, stop)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, ctrl)

	snap := st.Snapshot()
	if snap.ClockEdges < 20 {
		t.Errorf("run ended early at %d clock edges", snap.ClockEdges)
	}
	if !snap.Drained() || snap.Written != snap.Captured {
		t.Errorf("drain incomplete: captured=%d written=%d", snap.Captured, snap.Written)
	}
	if ctrl.State() != StateStopped {
		t.Errorf("Expected stopped, got %v", ctrl.State())
	}
	t.Logf("✅ Run ended after %d clock edges with %d frames", snap.ClockEdges, snap.Written)
}

func TestController_Lifecycle(t *testing.T) {
	r := newRig(t, &instantSource{}, &fakeAcquirer{sizes: []int{1}}, &slowStorage{}, 2, pool.PolicyBlock, Config{MaxCycles: 1})

	if err := r.ctrl.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait before Start: %v", err)
	}
	if r.ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %v", r.ctrl.State())
	}
	if err := r.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	waitDone(t, r.ctrl)

	r.ctrl.Abort() // after completion: no-op
	sum := r.ctrl.Summary()
	if sum.State != "stopped" || sum.Stats.Written != 1 || !sum.Queue.Stopped {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}, Config{}, nil); err == nil {
		t.Error("Expected error for missing deps")
	}
}
