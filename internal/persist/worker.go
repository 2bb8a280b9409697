// Package persist drains captured frames to storage.
package persist

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/queue"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

// Record describes one frame that reached storage.
type Record struct {
	Seq           uint64
	Name          string
	Size          int
	CapturedAt    time.Time
	WrittenAt     time.Time
	WriteDuration time.Duration
	Tags          frame.Tags
	Meta          frame.Meta
	TraceID       string
}

// Recorder observes completed writes. Implementations must not block for
// long: they run on the worker goroutine after the slot is released.
type Recorder interface {
	Record(r Record)
}

// WorkerConfig controls durability of each write.
type WorkerConfig struct {
	Fsync   bool // fsync each payload before close
	Sidecar bool // write <name>.txt metadata next to each payload
}

// Worker is the single consumer of the persistence queue.
type Worker struct {
	q         *queue.Queue[*frame.Frame]
	storage   Storage
	cfg       WorkerConfig
	stats     *stats.Pipeline
	recorders []Recorder
	logger    *slog.Logger
}

// NewWorker binds a worker to its queue and storage.
func NewWorker(q *queue.Queue[*frame.Frame], storage Storage, cfg WorkerConfig, st *stats.Pipeline, logger *slog.Logger, recorders ...Recorder) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("persist: queue is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("persist: storage is required")
	}
	if st == nil {
		st = stats.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		q:         q,
		storage:   storage,
		cfg:       cfg,
		stats:     st,
		recorders: recorders,
		logger:    logger.With("component", "persist"),
	}, nil
}

// Run writes frames until the queue is stopped and empty. Write failures are
// logged and counted; Run itself never fails.
func (w *Worker) Run() error {
	w.logger.Info("persist: worker started")
	for {
		f, ok := w.q.Pop()
		if !ok {
			snap := w.stats.Snapshot()
			w.logger.Info("persist: queue drained, worker exiting",
				"frames_written", snap.Written,
				"bytes_written", snap.BytesWritten,
				"write_failed", snap.WriteFailed,
			)
			return nil
		}

		if !f.Claim() {
			w.logger.Debug("persist: frame overwritten before write, skipping", "seq", f.Seq)
			continue
		}

		rec, err := w.Write(f)
		f.Release()

		if err != nil {
			w.stats.WriteFailed.Add(1)
			var we *WriteError
			kind := "unknown"
			if errors.As(err, &we) {
				kind = we.Kind.String()
			}
			w.logger.Error("persist: frame dropped",
				"seq", rec.Seq,
				"kind", kind,
				"error", err,
				"trace_id", rec.TraceID,
			)
			continue
		}

		w.stats.ObserveWrite(rec.Size, rec.WriteDuration)
		w.logger.Debug("persist: frame written",
			"seq", rec.Seq,
			"name", rec.Name,
			"bytes", rec.Size,
			"duration_ms", rec.WriteDuration.Milliseconds(),
			"queue_len", w.q.Len(),
		)
		for _, r := range w.recorders {
			r.Record(rec)
		}
	}
}

// Write hands the whole payload of a claimed frame to storage: write, then
// optional fsync, then close. The frame is not released.
func (w *Worker) Write(f *frame.Frame) (Record, error) {
	name := FileName(f)
	rec := Record{
		Seq:        f.Seq,
		Name:       name,
		Size:       len(f.Data),
		CapturedAt: f.CapturedAt,
		Tags:       f.Tags,
		Meta:       f.Meta,
		TraceID:    f.TraceID,
	}

	start := time.Now()
	file, err := w.storage.Open(name, len(f.Data))
	if err != nil {
		return rec, &WriteError{Kind: OpenFailed, Seq: f.Seq, Name: name, Err: err}
	}

	n, err := file.Write(f.Data)
	if err == nil && n < len(f.Data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		file.Close()
		w.discard(name)
		return rec, &WriteError{Kind: ShortWrite, Seq: f.Seq, Name: name, Err: fmt.Errorf("%d of %d bytes: %w", n, len(f.Data), err)}
	}

	if w.cfg.Fsync {
		if err := file.Sync(); err != nil {
			file.Close()
			w.discard(name)
			return rec, &WriteError{Kind: SyncFailed, Seq: f.Seq, Name: name, Err: err}
		}
	}
	if err := file.Close(); err != nil {
		w.discard(name)
		return rec, &WriteError{Kind: SyncFailed, Seq: f.Seq, Name: name, Err: fmt.Errorf("close: %w", err)}
	}

	rec.WrittenAt = time.Now()
	rec.WriteDuration = rec.WrittenAt.Sub(start)

	if w.cfg.Sidecar {
		if err := w.writeSidecar(f, name); err != nil {
			w.logger.Warn("persist: sidecar not written", "seq", f.Seq, "error", err)
		}
	}
	return rec, nil
}

// discard removes a payload left incomplete so it is never mistaken for a
// good frame.
func (w *Worker) discard(name string) {
	if err := w.storage.Remove(name); err != nil {
		w.logger.Warn("persist: incomplete frame left on disk", "name", name, "error", err)
	}
}

func (w *Worker) writeSidecar(f *frame.Frame, payload string) error {
	meta := Sidecar(f)
	file, err := w.storage.Open(SidecarName(payload), len(meta))
	if err != nil {
		return err
	}
	if _, err := file.Write(meta); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
