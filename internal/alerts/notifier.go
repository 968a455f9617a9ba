package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/platform/observability"
)

// OperatorPager delivers engine health pages to the operators.
type OperatorPager interface {
	Page(ctx context.Context, subject, body string) error
}

// NotifierConfig holds the paging cooldowns. Each failure mode keeps its own
// cooldown key so a noisy backlog cannot suppress a staleness page.
type NotifierConfig struct {
	StatePath       string
	StaleCooldown   time.Duration
	BacklogCooldown time.Duration
	GiveUpCooldown  time.Duration
}

// Notifier rate-limits operator pages with a per-key cooldown persisted on
// disk, so restarts do not re-page for a condition that was just reported.
type Notifier struct {
	cfg    NotifierConfig
	pager  OperatorPager
	logger *zerolog.Logger
	now    func() time.Time
}

func NewNotifier(cfg NotifierConfig, pager OperatorPager, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		pager:  pager,
		logger: logger,
		now:    time.Now,
	}
}

// NotifyStale pages that the worker has not completed a cycle recently.
func (n *Notifier) NotifyStale(ctx context.Context, age time.Duration, detail string) {
	subject := "alert engine stale"
	body := fmt.Sprintf("No successful delivery cycle for %s.\n%s", age.Round(time.Second), detail)
	n.page(ctx, "stale", "stale", n.cfg.StaleCooldown, subject, body)
}

// NotifyBacklog pages that the pending queue breached the configured
// thresholds.
func (n *Notifier) NotifyBacklog(ctx context.Context, pending int, oldestAge time.Duration) {
	subject := "alert engine backlog"
	body := fmt.Sprintf(
		"Delivery backlog breached thresholds: %d pending, oldest due for %s.",
		pending, oldestAge.Round(time.Second),
	)
	n.page(ctx, "backlog:global", "backlog", n.cfg.BacklogCooldown, subject, body)
}

// NotifyGiveUp pages that deliveries crossed the dead-letter boundary. The
// cooldown key includes channel and error class, so a new failure mode on
// the same channel still pages.
func (n *Notifier) NotifyGiveUp(ctx context.Context, channel, lastError string, count int) {
	errClass := classifySendError(lastError)
	key := "giveup:" + channel + ":" + errClass

	subject := fmt.Sprintf("alert deliveries gave up on %s", channel)
	body := fmt.Sprintf(
		"%d deliveries exhausted retries on channel %s (error class %s).\nLast error: %s",
		count, channel, errClass, lastError,
	)
	n.page(ctx, key, "giveup", n.cfg.GiveUpCooldown, subject, body)
}

func (n *Notifier) page(ctx context.Context, key, kind string, cooldown time.Duration, subject, body string) {
	now := n.now()

	state := n.loadState()
	if last, ok := state[key]; ok && now.Sub(time.Unix(last, 0)) < cooldown {
		n.logger.Debug().Str("key", key).Msg("operator page suppressed by cooldown")
		observability.AdminNotifications.WithLabelValues(kind, "suppressed").Inc()

		return
	}

	if n.pager == nil {
		n.logger.Warn().Str("subject", subject).Str("body", body).
			Msg("operator page (no paging targets configured)")
		observability.AdminNotifications.WithLabelValues(kind, "log_only").Inc()
	} else if err := n.pager.Page(ctx, subject, body); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("operator page failed")
		observability.AdminNotifications.WithLabelValues(kind, "error").Inc()

		// The cooldown still advances on failure. Retrying a broken pager
		// every cycle would hammer the provider without reaching anyone.
	} else {
		observability.AdminNotifications.WithLabelValues(kind, "sent").Inc()
	}

	state[key] = now.Unix()
	n.saveState(state)
}

// loadState reads the cooldown map. A missing or corrupt file degrades to an
// empty state; at worst one extra page goes out.
func (n *Notifier) loadState() map[string]int64 {
	state := map[string]int64{}

	data, err := os.ReadFile(n.cfg.StatePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			n.logger.Warn().Err(err).Msg("read notify state failed, starting fresh")
		}

		return state
	}

	if err := json.Unmarshal(data, &state); err != nil {
		n.logger.Warn().Err(err).Msg("parse notify state failed, starting fresh")

		return map[string]int64{}
	}

	return state
}

func (n *Notifier) saveState(state map[string]int64) {
	data, err := json.Marshal(state)
	if err != nil {
		n.logger.Error().Err(err).Msg("encode notify state failed")

		return
	}

	if err := os.MkdirAll(filepath.Dir(n.cfg.StatePath), 0o755); err != nil {
		n.logger.Error().Err(err).Msg("create notify state dir failed")

		return
	}

	tmp := n.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		n.logger.Error().Err(err).Msg("write notify state failed")

		return
	}

	if err := os.Rename(tmp, n.cfg.StatePath); err != nil {
		n.logger.Error().Err(err).Msg("replace notify state failed")
	}
}

// classifySendError buckets a stored send error into a coarse class for the
// give-up cooldown key. The class is the leading error type token when the
// message looks like "SomeError: detail", otherwise "generic".
func classifySendError(message string) string {
	head, _, found := strings.Cut(message, ":")
	if !found {
		return "generic"
	}

	head = strings.TrimSpace(head)
	if head == "" || strings.ContainsAny(head, " \t") {
		return "generic"
	}

	return strings.ToLower(head)
}
