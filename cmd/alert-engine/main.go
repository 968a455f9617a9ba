package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/alerts"
	"github.com/newswatch/alert-engine/internal/channel"
	"github.com/newswatch/alert-engine/internal/platform/config"
	"github.com/newswatch/alert-engine/internal/platform/observability"
	"github.com/newswatch/alert-engine/internal/platform/worker"
	db "github.com/newswatch/alert-engine/internal/storage"
)

func main() {
	mode := flag.String("mode", "worker", "run mode: worker or watchdog")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "worker":
		err = runWorker(ctx, cfg, &logger, *once)
	case "watchdog":
		err = runWatchdog(ctx, cfg, &logger, *once)
	default:
		logger.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("exited with error")
	}

	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.AppEnv == "local" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func runWorker(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, once bool) error {
	database, err := db.New(ctx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
	}, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	// Schema invariants are fatal at startup, not discovered mid-cycle.
	if err := database.VerifyDeliverySchema(ctx); err != nil {
		return err
	}

	go func() {
		if err := observability.NewServer(database, cfg.HealthPort, logger).Start(ctx); err != nil {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	registry := channel.NewRegistry(cfg, logger)
	engine := alerts.NewEngine(cfg, database, registry, newNotifier(cfg, logger), logger)

	if once {
		return engine.RunCycle(ctx)
	}

	return worker.Loop(ctx, worker.Config{
		Name:         "alert-delivery",
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Process: func(ctx context.Context) error {
			defer worker.RecoverPanic(logger, "delivery cycle")

			return engine.RunCycle(ctx)
		},
	})
}

func runWatchdog(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, once bool) error {
	watchdog := alerts.NewWatchdog(cfg, newNotifier(cfg, logger), logger)

	if once {
		return watchdog.Check(ctx)
	}

	return worker.Loop(ctx, worker.Config{
		Name:         "alert-watchdog",
		PollInterval: cfg.WatchdogInterval,
		Logger:       logger,
		Process:      watchdog.Check,
	})
}

func newNotifier(cfg *config.Config, logger *zerolog.Logger) *alerts.Notifier {
	pager, err := channel.NewPager(cfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("operator paging disabled, health alerts go to logs only")
	}

	var target alerts.OperatorPager
	if pager != nil {
		target = pager
	}

	return alerts.NewNotifier(alerts.NotifierConfig{
		StatePath:       cfg.NotifyStateFile,
		StaleCooldown:   cfg.StaleCooldown,
		BacklogCooldown: cfg.BacklogCooldown,
		GiveUpCooldown:  cfg.GiveUpCooldown,
	}, target, logger)
}
