// Package alerts implements the delivery engine: it scans article candidates
// for active alerts, queues deduplicated prioritized deliveries, sends due
// items with retry and a dead-letter boundary, and watches its own backlog
// and liveness.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/channel"
	"github.com/newswatch/alert-engine/internal/platform/config"
	"github.com/newswatch/alert-engine/internal/platform/observability"
	db "github.com/newswatch/alert-engine/internal/storage"
)

// Per-alert candidate and due-row fetch bound. Anything past it is picked up
// on the next cycle; the cursor only advances over processed candidates.
const scanLimit = 500

// Store is the persistence surface the engine runs against.
type Store interface {
	TryAcquireAdvisoryLock(ctx context.Context, lockID int64) (*db.CycleLock, error)
	ActiveAlerts(ctx context.Context) ([]db.Alert, error)
	GetCursor(ctx context.Context, alertID string) (time.Time, bool, error)
	AdvanceCursor(ctx context.Context, alertID string, ts time.Time) error
	SearchCandidates(ctx context.Context, f db.SearchFilter) ([]db.Article, error)
	ArticleByID(ctx context.Context, id string) (db.Article, bool, error)
	GetUserPrefs(ctx context.Context, userID string) (db.Prefs, bool, error)
	RecentDedupeKeys(ctx context.Context, userID, channel string, keys []string, window time.Duration) (map[string]struct{}, error)
	InsertPendingBatch(ctx context.Context, batch []db.PendingDelivery) (inserted []db.PendingDelivery, duplicates int, err error)
	DueDeliveries(ctx context.Context, alertID, channel string, maxAttempts, limit int) ([]db.Delivery, error)
	MarkDeliverySent(ctx context.Context, d db.Delivery) error
	MarkDeliveryFailed(ctx context.Context, d db.Delivery, sendErr string, nextAttemptAt time.Time) (int, error)
	LastDigestSentAt(ctx context.Context, userID, channel string) (time.Time, error)
	Backlog(ctx context.Context, maxAttempts int) (db.BacklogStats, error)
}

// MessageSender routes one message to a named channel.
type MessageSender interface {
	Send(ctx context.Context, channelName string, msg channel.Message) error
}

// Engine runs one delivery cycle at a time under the advisory lock.
type Engine struct {
	cfg       *config.Config
	store     Store
	sender    MessageSender
	notifier  *Notifier
	heartbeat Heartbeat
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewEngine(cfg *config.Config, store Store, sender MessageSender, notifier *Notifier, logger *zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		sender:    sender,
		notifier:  notifier,
		heartbeat: Heartbeat{Path: cfg.HeartbeatFile},
		logger:    logger,
		now:       time.Now,
	}
}

// cycleStats accumulates the health-log figures over one cycle.
type cycleStats struct {
	checked          int
	queued           int
	queuedByPriority map[string]int
	duplicates       int
	sent             int
	failed           int
	givenUp          int
	scanErrors       int
	sendTime         time.Duration
}

// RunCycle executes one full scan-queue-send pass. When another instance
// holds the cycle lock it returns immediately without touching any state.
func (e *Engine) RunCycle(ctx context.Context) error {
	started := e.now()

	lock, err := e.store.TryAcquireAdvisoryLock(ctx, e.cfg.AdvisoryLockKey)
	if err != nil {
		observability.CyclesTotal.WithLabelValues("error").Inc()

		return err
	}

	if lock == nil {
		e.logger.Info().Msg("cycle lock held by another instance, skipping")
		observability.CyclesTotal.WithLabelValues("lock_skip").Inc()

		return nil
	}

	defer lock.Release(ctx)

	stats := &cycleStats{queuedByPriority: map[string]int{}}

	alerts, err := e.store.ActiveAlerts(ctx)
	if err != nil {
		observability.CyclesTotal.WithLabelValues("error").Inc()

		return err
	}

	// One user's send budget spans all of their alerts within a cycle.
	budgets := map[string]int{}

	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			observability.CyclesTotal.WithLabelValues("error").Inc()

			return err
		}

		stats.checked++

		if err := e.processAlert(ctx, alert, budgets, stats); err != nil {
			// One broken alert must not starve the rest.
			stats.scanErrors++

			observability.ScanErrors.Inc()
			e.logger.Error().Err(err).
				Str("alert_id", alert.ID).
				Str("name", alert.Name).
				Msg("alert processing failed")
		}
	}

	backlog, err := e.store.Backlog(ctx, e.cfg.MaxAttempts)
	if err != nil {
		observability.CyclesTotal.WithLabelValues("error").Inc()

		return err
	}

	e.publishBacklog(backlog)
	e.checkBacklogThresholds(ctx, backlog)

	elapsed := e.now().Sub(started)
	e.logHealth(stats, backlog, elapsed)

	observability.CyclesTotal.WithLabelValues("ok").Inc()
	observability.CycleDurationSeconds.Observe(elapsed.Seconds())

	if err := e.heartbeat.Touch(e.now()); err != nil {
		e.logger.Error().Err(err).Msg("heartbeat write failed")
	}

	return nil
}

// processAlert runs the queue phase and then the send phase for one alert.
func (e *Engine) processAlert(ctx context.Context, alert db.Alert, budgets map[string]int, stats *cycleStats) error {
	prefs, _, err := e.store.GetUserPrefs(ctx, alert.UserID)
	if err != nil {
		return err
	}

	if !channelEnabled(prefs, alert.Channel) {
		e.logger.Debug().
			Str("alert_id", alert.ID).
			Str("channel", alert.Channel).
			Msg("channel disabled by user prefs")

		return nil
	}

	if err := e.scanAlert(ctx, alert, prefs, stats); err != nil {
		return err
	}

	return e.sendDue(ctx, alert, prefs, budgets, stats)
}

func channelEnabled(prefs db.Prefs, channelName string) bool {
	for _, enabled := range prefs.ChannelsEnabled {
		if enabled == channelName {
			return true
		}
	}

	return false
}

func (e *Engine) publishBacklog(backlog db.BacklogStats) {
	observability.BacklogPending.Set(float64(backlog.Pending))
	observability.BacklogDue.Set(float64(backlog.PendingDue))
	observability.BacklogOldestAgeSeconds.Set(backlog.OldestAge.Seconds())
	observability.NextDueInSeconds.Set(backlog.NextDueIn.Seconds())
	observability.DeadLetters.Set(float64(backlog.GivenUp))
}

func (e *Engine) checkBacklogThresholds(ctx context.Context, backlog db.BacklogStats) {
	countBreached := backlog.Pending >= e.cfg.BacklogWarnCount
	ageBreached := backlog.OldestAge >= e.cfg.BacklogWarnAge

	if countBreached || ageBreached {
		e.notifier.NotifyBacklog(ctx, backlog.Pending, backlog.OldestAge)
	}
}

// logHealth emits the per-cycle summary line operators grep for. The timing
// split is coarse: send time is measured at the channel boundary and
// everything else (storage, classification, file writes) lands in other_ms.
func (e *Engine) logHealth(stats *cycleStats, backlog db.BacklogStats, elapsed time.Duration) {
	otherTime := elapsed - stats.sendTime
	if otherTime < 0 {
		otherTime = 0
	}

	e.logger.Info().
		Int("checked", stats.checked).
		Int("queued", stats.queued).
		Int("queued_p0", stats.queuedByPriority[db.PriorityP0]).
		Int("queued_p1", stats.queuedByPriority[db.PriorityP1]).
		Int("queued_p2", stats.queuedByPriority[db.PriorityP2]).
		Int("duplicates", stats.duplicates).
		Int("sent", stats.sent).
		Int("failed", stats.failed).
		Int("given_up", stats.givenUp).
		Int("scan_errors", stats.scanErrors).
		Int("pending", backlog.Pending).
		Int("pending_due", backlog.PendingDue).
		Int("queued_at_estimated", backlog.QueuedEstimated).
		Float64("oldest_age_sec", backlog.OldestAge.Seconds()).
		Float64("next_due_in_sec", backlog.NextDueIn.Seconds()).
		Int("giveup", backlog.GivenUp).
		Int64("send_ms", stats.sendTime.Milliseconds()).
		Int64("other_ms", otherTime.Milliseconds()).
		Int64("total_ms", elapsed.Milliseconds()).
		Msg("alerts health")

	if backlog.GivenUp > 0 {
		e.logger.Warn().Int("giveup", backlog.GivenUp).Msg("dead letters present")
	}
}
