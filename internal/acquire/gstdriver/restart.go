package gstdriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RestartConfig bounds pipeline restarts after bus errors.
type RestartConfig struct {
	MaxRetries    int           // consecutive failures tolerated (default 5)
	RetryDelay    time.Duration // first backoff (default 1s)
	MaxRetryDelay time.Duration // backoff cap (default 30s)
}

// DefaultRestartConfig returns the default restart policy.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

func (c RestartConfig) withDefaults() RestartConfig {
	d := DefaultRestartConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// restartState counts attempts. consecutive is only touched by the
// supervising goroutine; total is read by Stats.
type restartState struct {
	consecutive int
	total       atomic.Uint32
}

func (s *restartState) reset() { s.consecutive = 0 }

// runFunc runs the pipeline until it fails (non-nil) or ctx ends (nil).
type runFunc func(ctx context.Context) error

// superviseRestarts keeps run alive, backing off exponentially between
// consecutive failures. A run that reached PLAYING resets the counter via
// state.reset. Returns ctx.Err() on cancellation or an error once retries
// are exhausted.
func superviseRestarts(ctx context.Context, run runFunc, cfg RestartConfig, state *restartState, logger *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := run(ctx)
		if err == nil {
			return ctx.Err()
		}

		state.consecutive++
		state.total.Add(1)
		if state.consecutive > cfg.MaxRetries {
			return fmt.Errorf("gstdriver: giving up after %d restarts: %w", cfg.MaxRetries, err)
		}

		delay := backoff(state.consecutive, cfg)
		logger.Warn("gstdriver: pipeline failed, restarting",
			"error", err,
			"attempt", state.consecutive,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
