// Package catalog indexes written frames in a local SQLite database so a run
// can be audited and reconstructed without listing the output directory.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

// Catalog records runs and their frames.
type Catalog struct {
	conn   *sql.DB
	mu     sync.Mutex
	runID  string
	logger *slog.Logger

	inserted atomic.Uint64
	failed   atomic.Uint64
}

// Frame is one catalogued row.
type Frame struct {
	RunID      string
	Seq        uint64
	Name       string
	Size       int
	CapturedAt time.Time
	WrittenAt  time.Time
	WriteNanos int64
	Pulses     uint64
	Clock      uint64
	Tick       uint64
	TraceID    string
}

// Open opens (or creates) the catalog at path. Use ":memory:" in tests.
func Open(path, runID string, logger *slog.Logger) (*Catalog, error) {
	if runID == "" {
		return nil, fmt.Errorf("catalog: run id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	c := &Catalog{
		conn:   conn,
		runID:  runID,
		logger: logger.With("component", "catalog"),
	}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		mode TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		frames_captured INTEGER DEFAULT 0,
		frames_written INTEGER DEFAULT 0,
		bytes_written INTEGER DEFAULT 0,
		write_failed INTEGER DEFAULT 0,
		overwritten INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		captured_at DATETIME NOT NULL,
		written_at DATETIME NOT NULL,
		write_ns INTEGER DEFAULT 0,
		pulses INTEGER DEFAULT 0,
		clock INTEGER DEFAULT 0,
		tick INTEGER DEFAULT 0,
		trace_id TEXT,
		UNIQUE (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_frames_run ON frames(run_id);
	CREATE INDEX IF NOT EXISTS idx_frames_captured_at ON frames(captured_at);
	`
	_, err := c.conn.Exec(schema)
	return err
}

// RunID returns the id frames are recorded under.
func (c *Catalog) RunID() string { return c.runID }

// BeginRun inserts the run row.
func (c *Catalog) BeginRun(mode, outputDir string, startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Exec(`
		INSERT INTO runs (id, started_at, mode, output_dir)
		VALUES (?, ?, ?, ?)
	`, c.runID, startedAt.UTC(), mode, outputDir)
	if err != nil {
		return fmt.Errorf("catalog: begin run: %w", err)
	}
	return nil
}

// EndRun stores the final counters of the run.
func (c *Catalog) EndRun(snap stats.Snapshot, endedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Exec(`
		UPDATE runs
		SET ended_at = ?, frames_captured = ?, frames_written = ?, bytes_written = ?,
		    write_failed = ?, overwritten = ?
		WHERE id = ?
	`, endedAt.UTC(), snap.Captured, snap.Written, snap.BytesWritten,
		snap.WriteFailed, snap.Overwritten, c.runID)
	if err != nil {
		return fmt.Errorf("catalog: end run: %w", err)
	}
	return nil
}

// Record implements persist.Recorder. Insert failures are logged and
// counted; the frame is already on disk.
func (c *Catalog) Record(r persist.Record) {
	if err := c.insert(r); err != nil {
		c.failed.Add(1)
		c.logger.Warn("catalog: insert failed", "seq", r.Seq, "error", err)
		return
	}
	c.inserted.Add(1)
}

func (c *Catalog) insert(r persist.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Exec(`
		INSERT INTO frames (run_id, seq, name, size, captured_at, written_at, write_ns, pulses, clock, tick, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.runID, r.Seq, r.Name, r.Size, r.CapturedAt.UTC(), r.WrittenAt.UTC(),
		r.WriteDuration.Nanoseconds(), r.Tags.Pulses, r.Tags.Clock, r.Tags.Tick, r.TraceID)
	return err
}

// Frames returns the frames of the current run in sequence order.
func (c *Catalog) Frames() ([]Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.conn.Query(`
		SELECT run_id, seq, name, size, captured_at, written_at, write_ns, pulses, clock, tick, trace_id
		FROM frames WHERE run_id = ? ORDER BY seq
	`, c.runID)
	if err != nil {
		return nil, fmt.Errorf("catalog: query frames: %w", err)
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var f Frame
		var trace sql.NullString
		if err := rows.Scan(&f.RunID, &f.Seq, &f.Name, &f.Size, &f.CapturedAt, &f.WrittenAt,
			&f.WriteNanos, &f.Pulses, &f.Clock, &f.Tick, &trace); err != nil {
			return nil, fmt.Errorf("catalog: scan frame: %w", err)
		}
		f.TraceID = trace.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Run is a catalogued run summary.
type Run struct {
	ID             string
	StartedAt      time.Time
	EndedAt        *time.Time
	Mode           string
	OutputDir      string
	FramesCaptured uint64
	FramesWritten  uint64
	BytesWritten   uint64
	WriteFailed    uint64
	Overwritten    uint64
}

// GetRun loads the current run row. Returns nil when BeginRun was never
// called.
func (c *Catalog) GetRun() (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r Run
	var ended sql.NullTime
	err := c.conn.QueryRow(`
		SELECT id, started_at, ended_at, mode, output_dir, frames_captured, frames_written,
		       bytes_written, write_failed, overwritten
		FROM runs WHERE id = ?
	`, c.runID).Scan(&r.ID, &r.StartedAt, &ended, &r.Mode, &r.OutputDir, &r.FramesCaptured,
		&r.FramesWritten, &r.BytesWritten, &r.WriteFailed, &r.Overwritten)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: get run: %w", err)
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return &r, nil
}

// Stats reports insert outcomes.
func (c *Catalog) Stats() (inserted, failed uint64) {
	return c.inserted.Load(), c.failed.Load()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.conn.Close()
}
