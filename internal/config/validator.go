package config

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if !runIDPattern.MatchString(cfg.RunID) {
		return fmt.Errorf("run_id must match pattern [A-Za-z0-9_-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 30
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateTrigger(&cfg.Trigger, cfg.Capture.IntervalMS); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	// Pool
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 2
	}
	switch cfg.Pool.Policy {
	case "":
		cfg.Pool.Policy = "block"
	case "block", "overwrite":
	default:
		return fmt.Errorf("pool.policy must be block or overwrite, got %q", cfg.Pool.Policy)
	}

	if cfg.Queue.MaxBytes < 0 {
		return fmt.Errorf("queue.max_bytes must be >= 0")
	}

	// Storage
	if cfg.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}
	if cfg.Catalog.Enabled && cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.Storage.OutputDir, "catalog.db")
	}

	// MQTT
	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "sensor-recorder"
		}
		if cfg.MQTT.StatusIntervalS <= 0 {
			cfg.MQTT.StatusIntervalS = 10
		}
	}

	// Monitor
	if cfg.Monitor.Enabled && cfg.Monitor.Addr == "" {
		cfg.Monitor.Addr = ":8090"
	}
	if cfg.Monitor.RAMCeilingMB < 0 || cfg.Monitor.MinFreeDiskMB < 0 {
		return fmt.Errorf("monitor limits must be >= 0")
	}
	if cfg.Monitor.DiskCheckEvery <= 0 {
		cfg.Monitor.DiskCheckEvery = 5
	}

	// Logging
	switch cfg.Logging.Level {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.FrameSize < 0 {
		return fmt.Errorf("frame_size must be >= 0")
	}

	switch c.Mode {
	case "process":
		if c.Process.Command == "" {
			return fmt.Errorf("process.command is required in process mode")
		}
		if c.Process.TimeoutMS < 0 {
			return fmt.Errorf("process.timeout_ms must be >= 0")
		}
	case "gstreamer":
		if c.GStreamer.Pipeline == "" {
			return fmt.Errorf("gstreamer.pipeline is required in gstreamer mode")
		}
		if c.GStreamer.SinkName == "" {
			c.GStreamer.SinkName = "sink"
		}
		if c.GStreamer.Buffers <= 0 {
			c.GStreamer.Buffers = 6
		}
		if c.GStreamer.TimeoutMS <= 0 {
			c.GStreamer.TimeoutMS = 2000
		}
	case "simulated":
		if c.FrameSize <= 0 {
			return fmt.Errorf("frame_size is required in simulated mode")
		}
		if c.Simulated.Buffers <= 0 {
			c.Simulated.Buffers = 6
		}
		if c.Simulated.PeriodMS <= 0 {
			c.Simulated.PeriodMS = 33
		}
		if c.Simulated.TimeoutMS <= 0 {
			c.Simulated.TimeoutMS = 2000
		}
	default:
		return fmt.Errorf("mode must be process, gstreamer or simulated, got %q", c.Mode)
	}
	return nil
}

func validateTrigger(t *TriggerConfig, intervalMS int) error {
	switch t.Kind {
	case "", "periodic":
		t.Kind = "periodic"
		if intervalMS <= 0 {
			return fmt.Errorf("capture.interval_ms must be > 0 for periodic triggers")
		}
	case "edge":
		e := &t.Edge
		if e.Chip == "" {
			e.Chip = "gpiochip0"
		}
		if e.PulseLine < 0 {
			return fmt.Errorf("edge.pulse_line must be >= 0")
		}
		if e.ClockLine == e.PulseLine {
			return fmt.Errorf("edge.clock_line must differ from pulse_line")
		}
		switch e.Polarity {
		case "":
			e.Polarity = "rising"
		case "rising", "falling", "both":
		default:
			return fmt.Errorf("edge.polarity must be rising, falling or both, got %q", e.Polarity)
		}
		switch e.Bias {
		case "", "pull-up", "pull-down", "disabled":
		default:
			return fmt.Errorf("edge.bias must be pull-up, pull-down or disabled, got %q", e.Bias)
		}
		if e.DebounceMS < 0 || e.PollIntervalMS < 0 {
			return fmt.Errorf("edge timings must be >= 0")
		}
		if e.MaxClockEdges > 0 && e.ClockLine < 0 {
			return fmt.Errorf("edge.max_clock_edges needs a clock_line")
		}
		if e.Simulated && e.SimPeriodMS <= 0 {
			e.SimPeriodMS = 500
		}
		if e.Simulated && e.SimClockPeriodMS <= 0 {
			e.SimClockPeriodMS = 100
		}
	default:
		return fmt.Errorf("kind must be periodic or edge, got %q", t.Kind)
	}
	return nil
}
