// Package config loads recorder settings from defaults, a YAML file, .env
// and SENSOR_* variables, and positional arguments, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	RunID            string        `yaml:"run_id"`             // default: random uuid
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // drain budget after a signal (default: 30)
	Capture          CaptureConfig `yaml:"capture"`
	Trigger          TriggerConfig `yaml:"trigger"`
	Pool             PoolConfig    `yaml:"pool"`
	Queue            QueueConfig   `yaml:"queue"`
	Storage          StorageConfig `yaml:"storage"`
	Catalog          CatalogConfig `yaml:"catalog"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	Monitor          MonitorConfig `yaml:"monitor"`
	Logging          LoggingConfig `yaml:"logging"`
}

// CaptureConfig selects the acquirer and run length
type CaptureConfig struct {
	Mode       string          `yaml:"mode"`        // process, gstreamer, simulated
	Count      uint64          `yaml:"count"`       // trigger cycles; 0 runs until stopped
	IntervalMS int             `yaml:"interval_ms"` // periodic trigger interval (default: 2000)
	FrameSize  int             `yaml:"frame_size"`  // bytes preallocated per pool slot
	Process    ProcessConfig   `yaml:"process"`
	GStreamer  GStreamerConfig `yaml:"gstreamer"`
	Simulated  SimulatedConfig `yaml:"simulated"`
	Frame      FrameConfig     `yaml:"frame"`
}

// ProcessConfig runs one command per frame; the frame is read from stdout
type ProcessConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`
	TimeoutMS int      `yaml:"timeout_ms"` // 0 waits indefinitely
}

// GStreamerConfig drives the async appsink driver
type GStreamerConfig struct {
	Pipeline  string `yaml:"pipeline"`
	SinkName  string `yaml:"sink_name"`  // default: sink
	Buffers   int    `yaml:"buffers"`    // driver buffers in flight (default: 6)
	TimeoutMS int    `yaml:"timeout_ms"` // completion timeout (default: 2000)
}

// SimulatedConfig is an in-memory driver for bench runs without a sensor
type SimulatedConfig struct {
	Buffers   int `yaml:"buffers"`    // default: 6
	PeriodMS  int `yaml:"period_ms"`  // completion period (default: 33)
	TimeoutMS int `yaml:"timeout_ms"` // default: 2000
}

// FrameConfig is reconstruction metadata written to sidecars
type FrameConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Format string `yaml:"format"`
	Stride int    `yaml:"stride"`
}

// TriggerConfig selects when to capture
type TriggerConfig struct {
	Kind string     `yaml:"kind"` // periodic, edge
	Edge EdgeConfig `yaml:"edge"`
}

// EdgeConfig maps GPIO lines to the pulse and clock signals
type EdgeConfig struct {
	Chip             string `yaml:"chip"`               // default: gpiochip0
	PulseLine        int    `yaml:"pulse_line"`         // line offset that triggers captures
	ClockLine        int    `yaml:"clock_line"`         // -1 disables the clock counter
	Polarity         string `yaml:"polarity"`           // rising, falling, both
	Bias             string `yaml:"bias"`               // pull-up, pull-down, disabled, or empty
	DebounceMS       int    `yaml:"debounce_ms"`        // 0 disables
	PollIntervalMS   int    `yaml:"poll_interval_ms"`   // 0 relies on notifications alone
	MaxClockEdges    uint64 `yaml:"max_clock_edges"`    // end the run after this many clock edges; 0 disables
	Simulated        bool   `yaml:"simulated"`          // drive in-memory lines instead of GPIO
	SimPeriodMS      int    `yaml:"sim_period_ms"`      // simulated pulse period (default: 500)
	SimClockPeriodMS int    `yaml:"sim_clock_period_ms"` // simulated clock period (default: 100)
}

// PoolConfig sizes the frame buffer pool
type PoolConfig struct {
	Size   int    `yaml:"size"`   // frames in flight (default: 2)
	Policy string `yaml:"policy"` // block, overwrite
}

// QueueConfig bounds the persistence queue
type QueueConfig struct {
	MaxBytes int64 `yaml:"max_bytes"` // 0 bounds by the pool alone
}

// StorageConfig controls where and how frames are written
type StorageConfig struct {
	OutputDir      string `yaml:"output_dir"`
	Fsync          bool   `yaml:"fsync"`
	SyncFilesystem bool   `yaml:"sync_filesystem"` // sync(2) after every frame
	DropCache      bool   `yaml:"drop_cache"`
	Sidecar        bool   `yaml:"sidecar"`
}

// CatalogConfig enables the SQLite frame index
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: <output_dir>/catalog.db
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	QoS             byte   `yaml:"qos"`
	Buffer          int    `yaml:"buffer"`
	StatusIntervalS int    `yaml:"status_interval_s"` // default: 10
}

// MonitorConfig controls the health server and host checks
type MonitorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`               // default: :8090
	RAMCeilingMB   int    `yaml:"ram_ceiling_mb"`     // refuse to start above this much RAM in use; 0 disables
	MinFreeDiskMB  int    `yaml:"min_free_disk_mb"`   // abort the run below this; 0 disables
	DiskCheckEvery int    `yaml:"disk_check_every_s"` // default: 5
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ShutdownTimeoutS: 30,
		Capture: CaptureConfig{
			Mode:       "process",
			IntervalMS: 2000,
			Process: ProcessConfig{
				Command: "rpicam-raw",
				Args:    []string{"-t", "1", "--frames", "1", "-o", "-"},
			},
			GStreamer: GStreamerConfig{SinkName: "sink", Buffers: 6, TimeoutMS: 2000},
			Simulated: SimulatedConfig{Buffers: 6, PeriodMS: 33, TimeoutMS: 2000},
		},
		Trigger: TriggerConfig{
			Kind: "periodic",
			Edge: EdgeConfig{Chip: "gpiochip0", ClockLine: -1, Polarity: "rising", SimPeriodMS: 500},
		},
		Pool:    PoolConfig{Size: 2, Policy: "block"},
		Storage: StorageConfig{OutputDir: "./frames", DropCache: true},
		MQTT:    MQTTConfig{TopicPrefix: "sensor-recorder", StatusIntervalS: 10},
		Monitor: MonitorConfig{Addr: ":8090", DiskCheckEvery: 5},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. The result is not validated yet.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Interval is the periodic trigger interval.
func (c *Config) Interval() time.Duration { return Millis(c.Capture.IntervalMS) }

// ShutdownTimeout is the drain budget after a stop request.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Millis converts a millisecond setting.
func Millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }
