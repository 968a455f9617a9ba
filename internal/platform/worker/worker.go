// Package worker provides the poll-loop scaffolding shared by the delivery
// engine and the liveness watchdog: a cancelable loop with a fixed sleep
// between iterations, error policy hooks, and panic recovery.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const logFieldWorker = "worker"

// ProcessFunc runs one iteration. It should return quickly when there is no
// work; the loop owns the sleep.
type ProcessFunc func(ctx context.Context) error

// Config describes one poll loop.
type Config struct {
	// Name identifies the loop in logs.
	Name string

	// PollInterval is the sleep between iterations.
	PollInterval time.Duration

	// Process runs each iteration.
	Process ProcessFunc

	// OnError is consulted when Process fails. Return true to keep looping,
	// false to stop with the error. When nil the error is logged and the
	// loop continues.
	OnError func(err error) bool

	// Logger for the loop. A nop logger is used when nil.
	Logger *zerolog.Logger
}

// Loop runs the configured poll loop until the context is canceled or
// OnError requests a stop. The returned error wraps ctx.Err() on
// cancellation.
func Loop(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	logger.Info().Str(logFieldWorker, cfg.Name).Msg("starting worker loop")
	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("worker loop stopped")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker loop %s: %w", cfg.Name, ctx.Err())
		default:
		}

		if err := cfg.Process(ctx); err != nil {
			if cfg.OnError != nil && !cfg.OnError(err) {
				return err
			}

			if cfg.OnError == nil {
				logger.Error().Err(err).Str(logFieldWorker, cfg.Name).Msg("process error")
			}
		}

		if err := Wait(ctx, cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Wait blocks until the duration elapses or the context is canceled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RecoverPanic logs and swallows a panic. Use as:
// defer worker.RecoverPanic(logger, "cycle")
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}
