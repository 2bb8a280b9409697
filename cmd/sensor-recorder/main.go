// Command sensor-recorder captures frames from a camera sensor on a timer
// or an external trigger line and writes each one to disk.
//
// Usage:
//
//	sensor-recorder [-config file] [-env file] [-debug] [count] [interval_ms] [outdir]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/config"
)

const defaultEnvFile = ".env"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", defaultEnvFile, "Path to .env file with SENSOR_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envFile, flag.Args())
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting sensor recorder",
		"run_id", cfg.RunID,
		"mode", cfg.Capture.Mode,
		"trigger", cfg.Trigger.Kind,
		"count", cfg.Capture.Count,
		"interval", cfg.Interval(),
		"output_dir", cfg.Storage.OutputDir,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rec, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise recorder", "error", err)
		os.Exit(1)
	}
	if err := rec.start(ctx); err != nil {
		logger.Error("failed to start recorder", "error", err)
		rec.close()
		os.Exit(1)
	}

	// Wait for a signal or for the run to end on its own
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		rec.ctrl.Abort()
	case <-rec.ctrl.Done():
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	logger.Info("draining persistence queue", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	select {
	case <-rec.ctrl.Done():
	case sig := <-sigChan:
		logger.Warn("second signal, exiting without full drain", "signal", sig)
		exitCode = 1
	case <-shutdownCtx.Done():
		logger.Error("drain did not finish in time", "timeout", shutdownTimeout)
		exitCode = 1
	}

	if exitCode == 0 {
		if err := rec.ctrl.Wait(); err != nil {
			logger.Error("pipeline failed", "error", err)
			exitCode = 1
		}
	}

	summary := rec.ctrl.Summary()
	rec.finish(shutdownCtx)
	printSummary(cfg, summary)

	if exitCode == 0 && !summary.Stats.Drained() {
		logger.Warn("run ended with frames unaccounted for",
			"captured", summary.Stats.Captured,
			"written", summary.Stats.Written,
			"write_failed", summary.Stats.WriteFailed,
			"overwritten", summary.Stats.Overwritten,
		)
	}
	logger.Info("sensor recorder stopped", "run_id", cfg.RunID)
	os.Exit(exitCode)
}

// loadConfig layers defaults, the YAML file, .env and SENSOR_* variables,
// then positional arguments.
func loadConfig(path, envFile string, args []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.LoadEnv(cfg, envFile); err != nil {
		return nil, err
	}
	if err := config.ApplyArgs(cfg, args); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
