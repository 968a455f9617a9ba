package alerts

import (
	"context"

	"github.com/newswatch/alert-engine/internal/platform/observability"
	db "github.com/newswatch/alert-engine/internal/storage"
)

// scanAlert queues new candidates for one alert: scan from the cursor minus
// the overlap window, suppress duplicates, classify priority, insert, then
// advance the cursor. The cursor moves only after the insert commits, so a
// crash between the two re-scans rather than drops.
func (e *Engine) scanAlert(ctx context.Context, alert db.Alert, prefs db.Prefs, stats *cycleStats) error {
	cursor, hasCursor, err := e.store.GetCursor(ctx, alert.ID)
	if err != nil {
		return err
	}

	filter := db.SearchFilter{
		Query:    alert.Query,
		Days:     alert.Days,
		Category: alert.Category,
		Source:   alert.Source,
		Limit:    scanLimit,
	}
	if hasCursor {
		filter.StartTS = cursor.Add(-e.cfg.CursorOverlap)
	}

	candidates, err := e.store.SearchCandidates(ctx, filter)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		return nil
	}

	accepted := e.filterCandidates(ctx, alert, prefs, candidates, stats)

	if len(accepted) > 0 {
		inserted, duplicates, err := e.store.InsertPendingBatch(ctx, accepted)
		if err != nil {
			return err
		}

		stats.queued += len(inserted)
		stats.duplicates += duplicates

		// Only rows that actually landed count; conflict no-ops from an
		// overlap re-scan are not new queue work.
		for _, row := range inserted {
			stats.queuedByPriority[row.Priority]++

			observability.DeliveriesQueued.WithLabelValues(row.Priority).Inc()
		}
	}

	// Candidates come back oldest first, so the last one carries the high
	// watermark. GREATEST in the upsert keeps this monotonic. Every
	// candidate up to the watermark is durably queued at this point; the
	// send-phase budget defers delivery, never queueing.
	return e.store.AdvanceCursor(ctx, alert.ID, candidates[len(candidates)-1].TS)
}

// filterCandidates applies the dedupe window and intra-batch dedupe, and
// classifies priority for the survivors.
func (e *Engine) filterCandidates(
	ctx context.Context,
	alert db.Alert,
	prefs db.Prefs,
	candidates []db.Article,
	stats *cycleStats,
) []db.PendingDelivery {
	keys := make([]string, 0, len(candidates))
	keyFor := make(map[string]string, len(candidates))

	for _, article := range candidates {
		key := DedupeKey(article.ID, article.URL, article.SourceName, article.Title)
		keyFor[article.ID] = key
		keys = append(keys, key)
	}

	window := prefs.DedupeWindow
	if window <= 0 {
		window = e.cfg.DedupeWindow
	}

	recent, err := e.store.RecentDedupeKeys(ctx, alert.UserID, alert.Channel, keys, window)
	if err != nil {
		// Degrade open: the unique delivery constraint still blocks exact
		// re-queues, only cross-alert suppression is lost for this batch.
		e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("dedupe lookup failed")

		recent = map[string]struct{}{}
	}

	seenInBatch := make(map[string]bool)

	var accepted []db.PendingDelivery

	for _, article := range candidates {
		key := keyFor[article.ID]

		if _, dup := recent[key]; dup || seenInBatch[key] {
			stats.duplicates++

			observability.DedupeSkips.Inc()

			continue
		}

		seenInBatch[key] = true

		accepted = append(accepted, db.PendingDelivery{
			AlertID:       alert.ID,
			UserID:        alert.UserID,
			ArticleID:     article.ID,
			Channel:       alert.Channel,
			DedupeKey:     key,
			DedupeGroup:   key,
			NormalizedURL: NormalizeURL(article.URL),
			Priority: ClassifyPriority(
				alert.Query, article.Category,
				prefs.PriorityCategories, e.cfg.PriorityCategories,
			),
		})
	}

	return accepted
}
