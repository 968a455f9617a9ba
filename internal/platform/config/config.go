// Package config loads the alert engine configuration from the environment.
//
// A local .env file is honored when present. All delivery knobs carry the
// ALERTS_ prefix; infrastructure settings (database, health port, channel
// credentials) use their conventional names.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Static validation errors.
var (
	ErrRetryBaseTooSmall  = errors.New("retry base must be at least one second")
	ErrMaxAttemptsInvalid = errors.New("max attempts must be positive")
	ErrPollTooShort       = errors.New("poll interval must be at least one second")
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	// Poll loop and crash-safety window.
	PollInterval  time.Duration `env:"ALERTS_POLL_INTERVAL" envDefault:"5m"`
	CursorOverlap time.Duration `env:"ALERTS_CURSOR_OVERLAP" envDefault:"24h"`

	// Retry and give-up policy.
	MaxAttempts int           `env:"ALERTS_MAX_ATTEMPTS" envDefault:"5"`
	RetryBase   time.Duration `env:"ALERTS_RETRY_BASE" envDefault:"60s"`
	RetryMax    time.Duration `env:"ALERTS_RETRY_MAX" envDefault:"1h"`

	// Dedupe and batching.
	DedupeWindow     time.Duration `env:"ALERTS_DEDUPE_WINDOW" envDefault:"6h"`
	MaxPerUser       int           `env:"ALERTS_MAX_PER_USER" envDefault:"25"`
	MaxItemsPerEmail int           `env:"ALERTS_MAX_ITEMS_PER_EMAIL" envDefault:"50"`

	// Priority rules. PriorityCategories is the global default; a per-user
	// override in user_alert_prefs wins when present.
	PriorityCategories []string `env:"ALERTS_PRIORITY_CATEGORIES" envSeparator:","`

	// Single-instance coordination.
	AdvisoryLockKey int64 `env:"ALERTS_ADVISORY_LOCK_KEY" envDefault:"743829113"`

	// Backlog and liveness thresholds.
	BacklogWarnCount int           `env:"ALERTS_BACKLOG_WARN_COUNT" envDefault:"200"`
	BacklogWarnAge   time.Duration `env:"ALERTS_BACKLOG_WARN_AGE" envDefault:"1h"`
	StaleWarn        time.Duration `env:"ALERTS_STALE_WARN" envDefault:"15m"`
	WatchdogInterval time.Duration `env:"ALERTS_WATCHDOG_INTERVAL" envDefault:"1m"`

	// Operator paging cooldowns. Three independent keys so one failure mode
	// cannot mask another.
	StaleCooldown   time.Duration `env:"ALERTS_STALE_NOTIFY_COOLDOWN" envDefault:"1h"`
	GiveUpCooldown  time.Duration `env:"ALERTS_GIVEUP_NOTIFY_COOLDOWN" envDefault:"1h"`
	BacklogCooldown time.Duration `env:"ALERTS_BACKLOG_NOTIFY_COOLDOWN" envDefault:"30m"`

	// Liveness state on disk, consumable by an external watchdog.
	HeartbeatFile   string `env:"ALERTS_HEARTBEAT_FILE" envDefault:"/var/lib/alert-engine/alerts_last_ok"`
	NotifyStateFile string `env:"ALERTS_NOTIFY_STATE_FILE" envDefault:"/var/lib/alert-engine/alerts_notify_state.json"`

	// Send channels.
	FromEmail        string        `env:"ALERTS_FROM_EMAIL" envDefault:"alerts@newswatch.io"`
	MailgunDomain    string        `env:"MAILGUN_DOMAIN"`
	MailgunAPIKey    string        `env:"MAILGUN_API_KEY"`
	MailgunTimeout   time.Duration `env:"MAILGUN_TIMEOUT" envDefault:"20s"`
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN"`
	SendRatePerSec   float64       `env:"ALERTS_SEND_RATE" envDefault:"2"`

	// Operator paging targets.
	AdminTelegramBotToken   string   `env:"ALERTS_ADMIN_TELEGRAM_BOT_TOKEN"`
	AdminTelegramChatID     int64    `env:"ALERTS_ADMIN_TELEGRAM_CHAT_ID"`
	AdminEmails             []string `env:"ALERTS_ADMIN_EMAILS" envSeparator:","`
	AdminEmailSubjectPrefix string   `env:"ALERTS_ADMIN_EMAIL_SUBJECT_PREFIX"`

	// Database pool tuning.
	DBMaxConns          int32         `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
	DBMinConns          int32         `env:"DB_MIN_CONNECTIONS" envDefault:"2"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the delivery state machine cannot operate with.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrMaxAttemptsInvalid
	}

	if c.RetryBase < time.Second {
		return ErrRetryBaseTooSmall
	}

	if c.PollInterval < time.Second {
		return ErrPollTooShort
	}

	return nil
}

// AdminNotifyEnabled reports whether at least one operator paging target is
// configured.
func (c *Config) AdminNotifyEnabled() bool {
	if c.AdminTelegramBotToken != "" && c.AdminTelegramChatID != 0 {
		return true
	}

	return len(c.AdminEmails) > 0
}
