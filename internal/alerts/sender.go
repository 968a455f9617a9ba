package alerts

import (
	"context"

	"github.com/newswatch/alert-engine/internal/channel"
	"github.com/newswatch/alert-engine/internal/platform/observability"
	"github.com/newswatch/alert-engine/internal/schedule"
	db "github.com/newswatch/alert-engine/internal/storage"
)

// Error recorded when a queued article has vanished before sending. The row
// retries in case of replication lag, then crosses the give-up boundary like
// any other failure.
const errMissingArticle = "missing_article"

// sendDue delivers the alert's runnable rows whose priority is sendable
// right now: immediate priorities always, digest priorities only when the
// user's digest schedule has fired since the last sent delivery.
//
// The per-user budget caps attempts here, in the send phase. Rows past the
// cap stay runnable and go out on later cycles; the budget never causes a
// candidate to be dropped.
func (e *Engine) sendDue(ctx context.Context, alert db.Alert, prefs db.Prefs, budgets map[string]int, stats *cycleStats) error {
	remaining := e.cfg.MaxPerUser - budgets[alert.UserID]
	if remaining <= 0 {
		e.logger.Debug().
			Str("user_id", alert.UserID).
			Str("alert_id", alert.ID).
			Msg("per-user cycle budget exhausted, deliveries deferred")

		return nil
	}

	sendable, err := e.sendablePriorities(ctx, alert, prefs)
	if err != nil {
		return err
	}

	if len(sendable) == 0 {
		return nil
	}

	due, err := e.store.DueDeliveries(ctx, alert.ID, alert.Channel, e.cfg.MaxAttempts, scanLimit)
	if err != nil {
		return err
	}

	items := make([]Item, 0, len(due))

	for _, d := range due {
		if !sendable[d.Priority] {
			continue
		}

		article, ok, err := e.store.ArticleByID(ctx, d.ArticleID)
		if err != nil {
			return err
		}

		if !ok {
			e.recordFailure(ctx, d, errMissingArticle, stats)

			continue
		}

		items = append(items, Item{Delivery: d, Article: article})

		if len(items) == remaining {
			break
		}
	}

	budgets[alert.UserID] += len(items)

	for _, batch := range Assemble(alert.Name, items, e.cfg.MaxItemsPerEmail) {
		e.sendBatch(ctx, alert, batch, stats)
	}

	return nil
}

// sendablePriorities resolves which priorities may go out on this cycle.
func (e *Engine) sendablePriorities(ctx context.Context, alert db.Alert, prefs db.Prefs) (map[string]bool, error) {
	sendable := make(map[string]bool, 3)
	for _, p := range prefs.ImmediatePriorities {
		sendable[p] = true
	}

	if len(prefs.DigestPriorities) == 0 {
		return sendable, nil
	}

	sched, err := schedule.Parse(prefs.DigestSchedule)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("user_id", alert.UserID).
			Msg("invalid digest schedule, falling back to daily")

		sched = schedule.MustDaily()
	}

	lastSent, err := e.store.LastDigestSentAt(ctx, alert.UserID, alert.Channel)
	if err != nil {
		return nil, err
	}

	if sched.Due(lastSent, e.now()) {
		for _, p := range prefs.DigestPriorities {
			sendable[p] = true
		}
	}

	return sendable, nil
}

// sendBatch delivers one assembled message and transitions every underlying
// row. Rows in a batch share a fate; other batches are unaffected by its
// outcome.
func (e *Engine) sendBatch(ctx context.Context, alert db.Alert, batch Batch, stats *cycleStats) {
	msg := channel.Message{
		Target:  alert.Target,
		Subject: batch.Subject,
		Body:    batch.Body,
	}

	sendStart := e.now()
	sendErr := e.sender.Send(ctx, alert.Channel, msg)
	sendDur := e.now().Sub(sendStart)

	stats.sendTime += sendDur

	observability.SendDurationSeconds.WithLabelValues(alert.Channel).Observe(sendDur.Seconds())

	if sendErr != nil {
		e.logger.Warn().Err(sendErr).
			Str("alert_id", alert.ID).
			Str("channel", alert.Channel).
			Int("items", len(batch.Deliveries)).
			Msg("batch send failed")

		for _, d := range batch.Deliveries {
			e.recordFailure(ctx, d, sendErr.Error(), stats)
		}

		return
	}

	for _, d := range batch.Deliveries {
		if err := e.store.MarkDeliverySent(ctx, d); err != nil {
			// The message went out; next cycle re-marks instead of re-sending
			// thanks to the dedupe window.
			e.logger.Error().Err(err).
				Str("alert_id", d.AlertID).
				Str("article_id", d.ArticleID).
				Msg("mark sent failed")

			continue
		}

		stats.sent++

		observability.DeliveriesSent.WithLabelValues(alert.Channel).Inc()
	}
}

// recordFailure marks one failed attempt, schedules the retry with
// exponential backoff, and detects the give-up transition exactly once via
// the attempt count the update returns.
func (e *Engine) recordFailure(ctx context.Context, d db.Delivery, sendErr string, stats *cycleStats) {
	delay := Backoff(d.AttemptCount+1, e.cfg.RetryBase, e.cfg.RetryMax)
	nextAttempt := e.now().Add(delay)

	attempts, err := e.store.MarkDeliveryFailed(ctx, d, sendErr, nextAttempt)
	if err != nil {
		e.logger.Error().Err(err).
			Str("alert_id", d.AlertID).
			Str("article_id", d.ArticleID).
			Msg("mark failed failed")

		return
	}

	stats.failed++

	observability.DeliveriesFailed.WithLabelValues(d.Channel).Inc()

	if attempts >= e.cfg.MaxAttempts {
		stats.givenUp++

		observability.DeliveriesGivenUp.WithLabelValues(d.Channel).Inc()
		e.logger.Error().
			Str("alert_id", d.AlertID).
			Str("article_id", d.ArticleID).
			Str("channel", d.Channel).
			Int("attempts", attempts).
			Str("error", sendErr).
			Msg("delivery gave up")
		e.notifier.NotifyGiveUp(ctx, d.Channel, sendErr, 1)
	}
}
