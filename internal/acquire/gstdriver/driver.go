// Package gstdriver is the streaming capture driver built on a GStreamer
// pipeline that ends in an appsink.
//
// Each appsink sample is mapped and lent to the completion handler as an
// acquire.Request; Requeue unmaps it. The handler runs on the GStreamer
// streaming thread, so the borrow window is exactly the callback. The
// appsink's max-buffers bounds how many samples are in flight.
//
// Typical Raspberry Pi description:
//
//	libcamerasrc ! video/x-raw,width=4056,height=3040,format=BGR ! queue max-size-buffers=6 ! appsink name=sink
package gstdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/acquire"
)

const (
	defaultSinkName     = "sink"
	defaultBuffers      = 6
	defaultStateTimeout = 5 * time.Second
	busPollInterval     = 50 * time.Millisecond
	stopTimeout         = 3 * time.Second
)

var initOnce sync.Once

// Config describes the capture pipeline.
type Config struct {
	// Pipeline is a gst-launch description containing an appsink.
	Pipeline string
	// SinkName is the appsink's name property (default "sink").
	SinkName string
	// Buffers caps samples queued in the appsink (default 6).
	Buffers int
	// StateTimeout bounds the wait for PLAYING (default 5s).
	StateTimeout time.Duration

	Restart RestartConfig
}

// Stats reports driver health.
type Stats struct {
	Samples        uint64 `json:"samples"`
	Restarts       uint32 `json:"restarts"`
	ErrDevice      uint64 `json:"errors_device"`
	ErrNegotiation uint64 `json:"errors_negotiation"`
	ErrResource    uint64 `json:"errors_resource"`
	ErrUnknown     uint64 `json:"errors_unknown"`
	Playing        bool   `json:"playing"`
}

// Driver implements acquire.Driver over a GStreamer appsink.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	handler acquire.CompletionHandler

	mu       sync.Mutex
	pipeline *gst.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restarts restartState
	samples  atomic.Uint64
	errs     [ErrCategoryUnknown + 1]atomic.Uint64
	playing  atomic.Bool
}

// New validates cfg and initialises GStreamer.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("gstdriver: pipeline description is required")
	}
	if cfg.Buffers < 0 {
		return nil, fmt.Errorf("gstdriver: negative buffer count %d", cfg.Buffers)
	}
	if cfg.SinkName == "" {
		cfg.SinkName = defaultSinkName
	}
	if cfg.Buffers == 0 {
		cfg.Buffers = defaultBuffers
	}
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = defaultStateTimeout
	}
	cfg.Restart = cfg.Restart.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	initOnce.Do(func() { gst.Init(nil) })

	return &Driver{
		cfg:    cfg,
		logger: logger.With("component", "gstdriver"),
	}, nil
}

// Buffers reports the appsink queue depth.
func (d *Driver) Buffers() int { return d.cfg.Buffers }

// Start builds the pipeline, waits for PLAYING and supervises it in the
// background. A pipeline that cannot be built is returned as an error so the
// process can fail at startup.
func (d *Driver) Start(h acquire.CompletionHandler) error {
	if h == nil {
		return fmt.Errorf("gstdriver: completion handler is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return fmt.Errorf("gstdriver: already started")
	}
	d.handler = h

	if err := d.buildLocked(); err != nil {
		return err
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.supervise()
	return nil
}

func (d *Driver) buildLocked() error {
	pipeline, err := gst.NewPipelineFromString(d.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("gstdriver: parse pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName(d.cfg.SinkName)
	if err != nil || elem == nil {
		return fmt.Errorf("gstdriver: appsink %q not found in pipeline", d.cfg.SinkName)
	}
	sink := app.SinkFromElement(elem)
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(d.cfg.Buffers))
	sink.SetProperty("drop", false)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstdriver: set PLAYING: %w", err)
	}
	d.pipeline = pipeline
	d.waitPlaying(pipeline)

	d.logger.Info("gstdriver: pipeline started",
		"pipeline", d.cfg.Pipeline,
		"buffers", d.cfg.Buffers,
	)
	return nil
}

func (d *Driver) waitPlaying(pipeline *gst.Pipeline) {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(d.cfg.StateTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(busPollInterval)
		if msg == nil || msg.Type() != gst.MessageStateChanged {
			continue
		}
		if msg.Source() != pipeline.GetName() {
			continue
		}
		if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
			d.playing.Store(true)
			return
		}
	}
	d.logger.Warn("gstdriver: pipeline not PLAYING yet, continuing", "timeout", d.cfg.StateTimeout)
}

// onSample lends one mapped buffer to the handler. The mapping never
// outlives the callback.
func (d *Driver) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		d.logger.Warn("gstdriver: failed to pull sample, skipping")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		d.logger.Warn("gstdriver: sample without buffer, skipping")
		return gst.FlowOK
	}

	info := buffer.Map(gst.MapRead)
	req := &sampleRequest{buffer: buffer, data: info.Bytes(), ts: time.Now()}
	d.samples.Add(1)

	d.handler(req)

	if !req.requeued {
		buffer.Unmap()
	}
	return gst.FlowOK
}

// Requeue ends the borrow by unmapping the sample buffer.
func (d *Driver) Requeue(r acquire.Request) error {
	sr, ok := r.(*sampleRequest)
	if !ok {
		return fmt.Errorf("gstdriver: foreign request %T", r)
	}
	if sr.requeued {
		return fmt.Errorf("gstdriver: request requeued twice")
	}
	sr.buffer.Unmap()
	sr.requeued = true
	sr.data = nil
	return nil
}

func (d *Driver) supervise() {
	defer d.wg.Done()

	err := superviseRestarts(d.ctx, d.runOnce, d.cfg.Restart, &d.restarts, d.logger)
	if err != nil && d.ctx.Err() == nil {
		d.logger.Error("gstdriver: pipeline stopped permanently",
			"error", err,
			"samples", d.samples.Load(),
			"restarts", d.restarts.total.Load(),
		)
	}
}

// runOnce rebuilds the pipeline if a previous run tore it down, then
// watches the bus until an error or EOS.
func (d *Driver) runOnce(ctx context.Context) error {
	d.mu.Lock()
	if d.pipeline == nil {
		if err := d.buildLocked(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	pipeline := d.pipeline
	d.mu.Unlock()

	err := d.monitorBus(ctx, pipeline)
	if err != nil {
		d.mu.Lock()
		d.destroyLocked()
		d.mu.Unlock()
	}
	return err
}

func (d *Driver) monitorBus(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			d.logger.Info("gstdriver: end of stream", "samples", d.samples.Load())
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classify(gerr.Error(), gerr.DebugString())
			d.errs[category].Add(1)
			d.logger.Error("gstdriver: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"samples", d.samples.Load(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			d.playing.Store(newState == gst.StatePlaying)
			if newState == gst.StatePlaying {
				d.restarts.reset()
			}
		}
	}
}

func (d *Driver) destroyLocked() {
	if d.pipeline == nil {
		return
	}
	if err := d.pipeline.BlockSetState(gst.StateNull); err != nil {
		d.logger.Warn("gstdriver: failed to stop pipeline", "error", err)
	}
	d.pipeline = nil
	d.playing.Store(false)
}

// Stop halts streaming. Samples still queued in the appsink are discarded
// with the pipeline and never reach the handler.
func (d *Driver) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		d.logger.Warn("gstdriver: supervisor did not exit in time")
	}

	d.mu.Lock()
	d.destroyLocked()
	d.mu.Unlock()

	d.logger.Info("gstdriver: stopped",
		"samples", d.samples.Load(),
		"restarts", d.restarts.total.Load(),
	)
	return nil
}

// Stats returns counters; safe from any goroutine.
func (d *Driver) Stats() Stats {
	return Stats{
		Samples:        d.samples.Load(),
		Restarts:       d.restarts.total.Load(),
		ErrDevice:      d.errs[ErrCategoryDevice].Load(),
		ErrNegotiation: d.errs[ErrCategoryNegotiation].Load(),
		ErrResource:    d.errs[ErrCategoryResource].Load(),
		ErrUnknown:     d.errs[ErrCategoryUnknown].Load(),
		Playing:        d.playing.Load(),
	}
}

type sampleRequest struct {
	buffer   *gst.Buffer
	data     []byte
	ts       time.Time
	requeued bool
}

func (r *sampleRequest) Buffer() []byte         { return r.data }
func (r *sampleRequest) Status() acquire.Status { return acquire.StatusComplete }
func (r *sampleRequest) Timestamp() time.Time   { return r.ts }
func (r *sampleRequest) Err() error             { return nil }
