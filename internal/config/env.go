package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SENSOR_"

type envSetter func(cfg *Config, v string) error

var envOverrides = map[string]envSetter{
	"RUN_ID":          func(c *Config, v string) error { c.RunID = v; return nil },
	"COUNT":           func(c *Config, v string) error { return setUint(&c.Capture.Count, v) },
	"INTERVAL_MS":     func(c *Config, v string) error { return setInt(&c.Capture.IntervalMS, v) },
	"OUTPUT_DIR":      func(c *Config, v string) error { c.Storage.OutputDir = v; return nil },
	"CAPTURE_MODE":    func(c *Config, v string) error { c.Capture.Mode = v; return nil },
	"CAPTURE_COMMAND": func(c *Config, v string) error { c.Capture.Process.Command = v; return nil },
	"CAPTURE_ARGS":    func(c *Config, v string) error { c.Capture.Process.Args = strings.Fields(v); return nil },
	"GST_PIPELINE":    func(c *Config, v string) error { c.Capture.GStreamer.Pipeline = v; return nil },
	"TRIGGER_KIND":    func(c *Config, v string) error { c.Trigger.Kind = v; return nil },
	"PULSE_LINE":      func(c *Config, v string) error { return setInt(&c.Trigger.Edge.PulseLine, v) },
	"CLOCK_LINE":      func(c *Config, v string) error { return setInt(&c.Trigger.Edge.ClockLine, v) },
	"MAX_CLOCK_EDGES": func(c *Config, v string) error { return setUint(&c.Trigger.Edge.MaxClockEdges, v) },
	"POOL_SIZE":       func(c *Config, v string) error { return setInt(&c.Pool.Size, v) },
	"POOL_POLICY":     func(c *Config, v string) error { c.Pool.Policy = v; return nil },
	"FSYNC":           func(c *Config, v string) error { return setBool(&c.Storage.Fsync, v) },
	"MQTT_BROKER": func(c *Config, v string) error {
		c.MQTT.Broker = v
		c.MQTT.Enabled = v != ""
		return nil
	},
	"MONITOR_ADDR": func(c *Config, v string) error { c.Monitor.Addr = v; return nil },
	"LOG_LEVEL":    func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"LOG_FORMAT":   func(c *Config, v string) error { c.Logging.Format = v; return nil },
}

// LoadEnv merges envFile (if it exists) into the process environment and
// applies SENSOR_* overrides. Variables already set in the environment win
// over the file.
func LoadEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return ApplyEnv(cfg, os.LookupEnv)
}

// ApplyEnv applies SENSOR_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setUint(dst *uint64, v string) error {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
