package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/acquire"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/acquire/gstdriver"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/catalog"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/monitor"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/pool"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/queue"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/trigger"
)

const cadenceWindow = 256

// recorder owns every stage of one run and the order they are torn down in.
type recorder struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *stats.Pipeline

	trigger  trigger.Source
	edge     *trigger.Edge
	simStop  chan struct{}
	acquirer acquire.Acquirer
	ctrl     *pipeline.Controller

	catalog *catalog.Catalog
	emitter *emitter.Emitter
	server  *monitor.Server
	disk    *monitor.DiskWatchdog

	cancelAux context.CancelFunc
}

// newRecorder builds the run from a validated config. Anything built before
// a failure is released before returning.
func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (r *recorder, err error) {
	r = &recorder{
		cfg:     cfg,
		logger:  logger,
		stats:   stats.New(),
		simStop: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			r.close()
			r = nil
		}
	}()

	reserve := uint64(cfg.Pool.Size) * uint64(cfg.Capture.FrameSize)
	mem, err := monitor.CheckMemory(reserve, cfg.Monitor.RAMCeilingMB)
	if err != nil {
		return r, err
	}
	logger.Info("recorder: memory check passed",
		"total_mb", mem.TotalMB,
		"available_mb", mem.AvailableMB,
		"reserve_mb", mem.ReserveMB,
	)

	storage, err := persist.NewDirStorage(cfg.Storage.OutputDir, persist.DirOptions{
		DropCache:      cfg.Storage.DropCache,
		SyncFilesystem: cfg.Storage.SyncFilesystem,
	})
	if err != nil {
		return r, err
	}

	if r.acquirer, err = r.buildAcquirer(); err != nil {
		return r, err
	}
	expected, err := r.buildTrigger()
	if err != nil {
		return r, err
	}

	policy, err := pool.ParsePolicy(cfg.Pool.Policy)
	if err != nil {
		return r, err
	}
	bufPool, err := pool.New(pool.Config{
		Size:      cfg.Pool.Size,
		FrameSize: cfg.Capture.FrameSize,
		Policy:    policy,
	}, r.stats, logger)
	if err != nil {
		return r, err
	}

	q := queue.New(queue.Config[*frame.Frame]{
		MaxBytes: cfg.Queue.MaxBytes,
		SizeOf:   func(f *frame.Frame) int { return f.Size },
	})

	recorders, err := r.buildRecorders(ctx)
	if err != nil {
		return r, err
	}
	worker, err := persist.NewWorker(q, storage, persist.WorkerConfig{
		Fsync:   cfg.Storage.Fsync,
		Sidecar: cfg.Storage.Sidecar,
	}, r.stats, logger, recorders...)
	if err != nil {
		return r, err
	}

	r.ctrl, err = pipeline.New(pipeline.Deps{
		Trigger:  r.trigger,
		Acquirer: r.acquirer,
		Pool:     bufPool,
		Queue:    q,
		Worker:   worker,
		Stats:    r.stats,
		Cadence:  trigger.NewCadenceRecorder(expected, cadenceWindow),
	}, pipeline.Config{MaxCycles: cfg.Capture.Count}, logger)
	if err != nil {
		return r, err
	}

	if err := r.buildMonitor(); err != nil {
		return r, err
	}
	return r, nil
}

func (r *recorder) buildAcquirer() (acquire.Acquirer, error) {
	c := r.cfg.Capture
	meta := frame.Meta{
		Width:  c.Frame.Width,
		Height: c.Frame.Height,
		Format: c.Frame.Format,
		Stride: c.Frame.Stride,
	}

	switch c.Mode {
	case "process":
		return acquire.NewProcess(acquire.ProcessConfig{
			Command: c.Process.Command,
			Args:    c.Process.Args,
			Env:     c.Process.Env,
			Timeout: config.Millis(c.Process.TimeoutMS),
			Meta:    meta,
		}, r.logger)

	case "gstreamer":
		drv, err := gstdriver.New(gstdriver.Config{
			Pipeline: c.GStreamer.Pipeline,
			SinkName: c.GStreamer.SinkName,
			Buffers:  c.GStreamer.Buffers,
		}, r.logger)
		if err != nil {
			return nil, err
		}
		return acquire.NewDriver(drv, acquire.DriverConfig{
			Timeout: config.Millis(c.GStreamer.TimeoutMS),
			Meta:    meta,
		}, r.stats, r.logger)

	case "simulated":
		drv, err := acquire.NewSimulatedDriver(acquire.SimulatedConfig{
			Buffers: c.Simulated.Buffers,
			Period:  config.Millis(c.Simulated.PeriodMS),
			Sizes:   []int{c.FrameSize},
		})
		if err != nil {
			return nil, err
		}
		return acquire.NewDriver(drv, acquire.DriverConfig{
			Timeout: config.Millis(c.Simulated.TimeoutMS),
			Meta:    meta,
		}, r.stats, r.logger)

	default:
		return nil, fmt.Errorf("unknown capture mode %q", c.Mode)
	}
}

// buildTrigger returns the nominal interval used for cadence jitter; edge
// triggers have none.
func (r *recorder) buildTrigger() (time.Duration, error) {
	if r.cfg.Trigger.Kind != "edge" {
		p, err := trigger.NewPeriodic(r.cfg.Interval())
		if err != nil {
			return 0, err
		}
		r.trigger = p
		return p.Interval(), nil
	}

	e := r.cfg.Trigger.Edge
	pol, err := trigger.ParsePolarity(e.Polarity)
	if err != nil {
		return 0, err
	}

	var pulse, clock trigger.Line
	if e.Simulated {
		sim := trigger.NewSimulatedLine(e.PulseLine)
		go sim.PulseEvery(config.Millis(e.SimPeriodMS), r.simStop)
		pulse = sim
		if e.ClockLine >= 0 {
			simClock := trigger.NewSimulatedLine(e.ClockLine)
			go simClock.PulseEvery(config.Millis(e.SimClockPeriodMS), r.simStop)
			clock = simClock
		}
		r.logger.Warn("recorder: using simulated trigger lines",
			"pulse_period", config.Millis(e.SimPeriodMS),
			"clock_period", config.Millis(e.SimClockPeriodMS),
		)
	} else {
		debounce := config.Millis(e.DebounceMS)
		line, err := trigger.NewGPIOLine(e.Chip, e.PulseLine, e.Bias, debounce)
		if err != nil {
			return 0, err
		}
		pulse = line
		if e.ClockLine >= 0 {
			cl, err := trigger.NewGPIOLine(e.Chip, e.ClockLine, e.Bias, debounce)
			if err != nil {
				line.Close()
				return 0, err
			}
			clock = cl
		}
	}

	edge, err := trigger.NewEdge(trigger.EdgeConfig{
		Pulse:         pulse,
		Clock:         clock,
		Polarity:      pol,
		PollInterval:  config.Millis(e.PollIntervalMS),
		MaxClockEdges: e.MaxClockEdges,
	}, r.stats, r.logger)
	if err != nil {
		pulse.Close()
		if clock != nil {
			clock.Close()
		}
		return 0, err
	}
	r.edge = edge
	if err := edge.Start(); err != nil {
		return 0, err
	}
	r.trigger = edge
	return 0, nil
}

func (r *recorder) buildRecorders(ctx context.Context) ([]persist.Recorder, error) {
	var recorders []persist.Recorder

	if r.cfg.Catalog.Enabled {
		cat, err := catalog.Open(r.cfg.Catalog.Path, r.cfg.RunID, r.logger)
		if err != nil {
			return nil, err
		}
		r.catalog = cat
		recorders = append(recorders, cat)
	}

	if r.cfg.MQTT.Enabled {
		em, err := emitter.Connect(ctx, emitter.Config{
			Broker:      r.cfg.MQTT.Broker,
			ClientID:    r.cfg.MQTT.ClientID,
			TopicPrefix: r.cfg.MQTT.TopicPrefix,
			QoS:         r.cfg.MQTT.QoS,
			Buffer:      r.cfg.MQTT.Buffer,
		}, r.cfg.RunID, r.logger)
		if err != nil {
			return nil, err
		}
		r.emitter = em
		recorders = append(recorders, em)
	}
	return recorders, nil
}

func (r *recorder) buildMonitor() error {
	m := r.cfg.Monitor
	if m.MinFreeDiskMB > 0 {
		w, err := monitor.NewDiskWatchdog(r.cfg.Storage.OutputDir, m.MinFreeDiskMB,
			time.Duration(m.DiskCheckEvery)*time.Second,
			func(freeMB uint64) {
				r.logger.Error("recorder: disk space low, stopping run", "free_mb", freeMB)
				r.ctrl.Abort()
			}, r.logger)
		if err != nil {
			return err
		}
		r.disk = w
	}

	if m.Enabled {
		s, err := monitor.NewServer(m.Addr, r.cfg.RunID, r.ctrl, r.disk, r.logger)
		if err != nil {
			return err
		}
		r.server = s
	}
	return nil
}

// start launches the pipeline and its auxiliaries.
func (r *recorder) start(ctx context.Context) error {
	startedAt := time.Now()
	if r.catalog != nil {
		if err := r.catalog.BeginRun(r.cfg.Capture.Mode, r.cfg.Storage.OutputDir, startedAt); err != nil {
			return err
		}
	}
	if r.server != nil {
		if err := r.server.Start(); err != nil {
			return err
		}
	}

	auxCtx, cancel := context.WithCancel(context.Background())
	r.cancelAux = cancel
	if r.disk != nil {
		go r.disk.Run(auxCtx)
	}
	if r.emitter != nil {
		go r.publishStatus(auxCtx, time.Duration(r.cfg.MQTT.StatusIntervalS)*time.Second)
	}

	return r.ctrl.Start(ctx)
}

func (r *recorder) publishStatus(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emitter.PublishStatus(r.stats.Snapshot())
		}
	}
}

// finish records the outcome of a drained run and releases everything.
func (r *recorder) finish(ctx context.Context) {
	snap := r.stats.Snapshot()
	if r.emitter != nil {
		r.emitter.PublishStatus(snap)
	}
	if r.catalog != nil {
		if err := r.catalog.EndRun(snap, time.Now()); err != nil {
			r.logger.Error("recorder: failed to close run in catalog", "error", err)
		}
	}
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			r.logger.Warn("recorder: monitor shutdown failed", "error", err)
		}
		r.server = nil
	}
	r.close()
}

func (r *recorder) close() {
	if r.cancelAux != nil {
		r.cancelAux()
	}
	select {
	case <-r.simStop:
	default:
		close(r.simStop)
	}
	if r.edge != nil {
		if err := r.edge.Close(); err != nil {
			r.logger.Warn("recorder: failed to release trigger lines", "error", err)
		}
	}
	if r.acquirer != nil {
		if err := r.acquirer.Close(); err != nil {
			r.logger.Warn("recorder: failed to close acquirer", "error", err)
		}
	}
	if r.emitter != nil {
		r.emitter.Close()
	}
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil {
			r.logger.Warn("recorder: failed to close catalog", "error", err)
		}
	}
	if r.server != nil {
		r.server.Shutdown(context.Background())
	}
}
