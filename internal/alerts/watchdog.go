package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/platform/config"
)

// Watchdog checks worker liveness from the heartbeat file. It runs as a
// separate process so a wedged worker cannot take its own watchdog down
// with it.
type Watchdog struct {
	cfg       *config.Config
	notifier  *Notifier
	heartbeat Heartbeat
	logger    *zerolog.Logger
	now       func() time.Time

	// When the heartbeat file is absent we only page after it has been
	// missing for the staleness threshold, measured from first observation.
	// A fresh deploy that has not completed a cycle yet is not an outage.
	firstMissingAt time.Time
}

func NewWatchdog(cfg *config.Config, notifier *Notifier, logger *zerolog.Logger) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		notifier:  notifier,
		heartbeat: Heartbeat{Path: cfg.HeartbeatFile},
		logger:    logger,
		now:       time.Now,
	}
}

// Check inspects the heartbeat once and pages when the worker looks dead.
func (w *Watchdog) Check(ctx context.Context) error {
	now := w.now()

	last, ok, err := w.heartbeat.Last()
	if err != nil {
		w.notifier.NotifyStale(ctx, 0, fmt.Sprintf("Heartbeat file unreadable: %v", err))

		return err
	}

	if !ok {
		if w.firstMissingAt.IsZero() {
			w.firstMissingAt = now
			w.logger.Info().Str("path", w.cfg.HeartbeatFile).Msg("heartbeat file not found yet")

			return nil
		}

		missingFor := now.Sub(w.firstMissingAt)
		if missingFor >= w.cfg.StaleWarn {
			w.notifier.NotifyStale(ctx, missingFor, fmt.Sprintf(
				"Heartbeat file %s has never appeared (missing for %s).",
				w.cfg.HeartbeatFile, missingFor.Round(time.Second),
			))
		}

		return nil
	}

	w.firstMissingAt = time.Time{}

	age := now.Sub(last)
	if age >= w.cfg.StaleWarn {
		w.logger.Warn().Dur("age", age).Msg("worker heartbeat is stale")
		w.notifier.NotifyStale(ctx, age, fmt.Sprintf(
			"Last successful cycle finished at %s.", last.UTC().Format(time.RFC3339),
		))
	} else {
		w.logger.Debug().Dur("age", age).Msg("worker heartbeat ok")
	}

	return nil
}
