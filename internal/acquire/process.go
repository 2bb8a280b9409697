package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
)

const stderrTail = 2048

// ProcessConfig describes the external capture command. The command must
// write exactly one frame to stdout and exit zero.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string // appended to the inherited environment

	// Timeout bounds one capture; the process and everything it spawned
	// are killed on expiry. Zero waits for the process indefinitely.
	Timeout time.Duration

	ChunkSize int
	Meta      frame.Meta
}

// ProcessAcquirer captures by running a command per frame.
type ProcessAcquirer struct {
	path   string
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcess resolves the command up front so a missing capture binary is
// reported at startup rather than on every cycle.
func NewProcess(cfg ProcessConfig, logger *slog.Logger) (*ProcessAcquirer, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("acquire: capture command is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("acquire: negative capture timeout %v", cfg.Timeout)
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("acquire: capture command %q not found: %w", cfg.Command, err)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "acquire", "mode", "process")
	logger.Info("acquire: process capture ready",
		"command", path,
		"args", strings.Join(cfg.Args, " "),
		"timeout", cfg.Timeout,
		"chunk_size", cfg.ChunkSize,
	)
	return &ProcessAcquirer{path: path, cfg: cfg, logger: logger}, nil
}

// Acquire runs the capture command and accumulates its stdout into dst.
// The payload length is unknown until EOF.
func (p *ProcessAcquirer) Acquire(ctx context.Context, dst []byte) (*frame.Frame, error) {
	start := time.Now()

	runCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.path, p.cfg.Args...)
	killGroupOnCancel(cmd)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Kind: KindCaptureFailed, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &Error{Kind: KindCaptureFailed, Err: err}
	}

	data, readErr := readChunks(stdout, dst[:0], p.cfg.ChunkSize)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("acquire: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &Error{Kind: KindTimeout, Err: fmt.Errorf("capture exceeded %v", p.cfg.Timeout)}
	case waitErr != nil:
		return nil, &Error{Kind: KindCaptureFailed, Err: waitErr, Detail: tail(stderr.Bytes())}
	case readErr != nil:
		return nil, &Error{Kind: KindCaptureFailed, Err: readErr}
	case len(data) == 0:
		return nil, &Error{Kind: KindEmptyFrame, Detail: tail(stderr.Bytes())}
	}

	f := frame.New(0, data, start)
	f.Meta = p.cfg.Meta
	f.CaptureDuration = time.Since(start)

	p.logger.Debug("acquire: frame captured",
		"size_bytes", f.Size,
		"duration", f.CaptureDuration,
		"trace_id", f.TraceID,
	)
	return f, nil
}

// Close is a no-op; each capture owns its process.
func (p *ProcessAcquirer) Close() error { return nil }

// readChunks appends r into buf chunk bytes at a time until EOF, growing buf
// only when its spare capacity drops below one chunk.
func readChunks(r io.Reader, buf []byte, chunk int) ([]byte, error) {
	for {
		if cap(buf)-len(buf) < chunk {
			buf = slices.Grow(buf, chunk)
		}
		n, err := r.Read(buf[len(buf) : len(buf)+chunk])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}
