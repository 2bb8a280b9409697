package config

import (
	"fmt"
	"strconv"
)

// ApplyArgs applies the positional form `[count] [interval_ms] [outdir]`.
// Positional values take precedence over every other layer.
func ApplyArgs(cfg *Config, args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("too many arguments: want at most [count] [interval_ms] [outdir], got %d", len(args))
	}
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("count %q: must be a non-negative integer", args[0])
		}
		cfg.Capture.Count = n
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("interval_ms %q: must be an integer", args[1])
		}
		cfg.Capture.IntervalMS = n
	}
	if len(args) > 2 {
		cfg.Storage.OutputDir = args[2]
	}
	return nil
}
