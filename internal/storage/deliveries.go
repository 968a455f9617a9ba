package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrNullQueuedAt means delivery rows exist without a queue time, which
// would corrupt backlog-age computation. The worker refuses to start until
// the backfill migration has run.
var ErrNullQueuedAt = errors.New("alert_deliveries.queued_at has NULL rows (run migrations)")

// ErrStatusConstraint means the status check constraint does not admit
// PENDING, so inserts would fail mid-cycle.
var ErrStatusConstraint = errors.New("alert_deliveries.status does not allow PENDING (run migrations)")

// QueuedAt pairs the enqueue time with a flag marking backfilled rows whose
// time is only an estimate. Estimated rows are excluded from backlog-age
// aggregates.
type QueuedAt struct {
	Time      time.Time
	Estimated bool
}

// PendingDelivery is one candidate accepted for queueing.
type PendingDelivery struct {
	AlertID       string
	UserID        string
	ArticleID     string
	Channel       string
	DedupeKey     string
	DedupeGroup   string
	NormalizedURL string
	Priority      string
}

// Delivery is a queued delivery row due for an attempt.
type Delivery struct {
	AlertID      string
	UserID       string
	ArticleID    string
	Channel      string
	Target       string
	DedupeKey    string
	Priority     string
	Status       string
	AttemptCount int
	QueuedAt     QueuedAt
}

// BacklogStats is the per-cycle health snapshot over the delivery queue.
type BacklogStats struct {
	Pending         int
	PendingDue      int
	OldestAge       time.Duration
	NextDueIn       time.Duration
	QueuedEstimated int
	GivenUp         int
}

// VerifyDeliverySchema enforces the startup invariants: every row has a
// queue time and the status constraint admits PENDING. Both failures are
// fatal rather than recoverable.
func (db *DB) VerifyDeliverySchema(ctx context.Context) error {
	var nulls int
	if err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM alert_deliveries WHERE queued_at IS NULL
	`).Scan(&nulls); err != nil {
		return fmt.Errorf("count null queued_at: %w", err)
	}

	if nulls > 0 {
		return ErrNullQueuedAt
	}

	ok, err := db.statusAllowsPending(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return ErrStatusConstraint
	}

	return nil
}

func (db *DB) statusAllowsPending(ctx context.Context) (bool, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE conrelid = 'alert_deliveries'::regclass
		  AND contype = 'c'
	`)
	if err != nil {
		return false, fmt.Errorf("query status constraint: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return false, fmt.Errorf("scan constraint row: %w", err)
		}

		if strings.Contains(definition, "status") {
			return strings.Contains(definition, "PENDING"), nil
		}
	}

	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate constraint rows: %w", err)
	}

	// No status constraint at all: inserts cannot be rejected.
	return true, nil
}

// InsertPendingBatch queues one alert's accepted candidates in a single
// transaction. The unique (alert_id, article_id, channel) constraint makes
// re-scanned candidates no-ops; those are reported as duplicates, and only
// rows that actually landed are returned. The caller advances the alert's
// cursor only after this commit returns.
func (db *DB) InsertPendingBatch(ctx context.Context, batch []PendingDelivery) (inserted []PendingDelivery, duplicates int, err error) {
	if len(batch) == 0 {
		return nil, 0, nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin delivery insert: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, row := range batch {
		var id pgtype.UUID

		err := tx.QueryRow(ctx, `
			INSERT INTO alert_deliveries (
				alert_id, user_id, article_id, channel, status,
				attempt_count, next_attempt_at, queued_at,
				dedupe_key, dedupe_group, normalized_url, priority
			)
			VALUES ($1, $2, $3, $4, 'PENDING', 0, now(), now(), $5, $6, $7, $8)
			ON CONFLICT (alert_id, article_id, channel) DO NOTHING
			RETURNING id
		`,
			toUUID(row.AlertID), toUUID(row.UserID), toUUID(row.ArticleID), row.Channel,
			row.DedupeKey, row.DedupeGroup, toText(row.NormalizedURL), row.Priority,
		).Scan(&id)

		switch {
		case err == nil:
			inserted = append(inserted, row)
		case errors.Is(err, pgx.ErrNoRows):
			duplicates++
		default:
			return nil, 0, fmt.Errorf("insert pending delivery: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit delivery insert: %w", err)
	}

	return inserted, duplicates, nil
}

// RecentDedupeKeys returns the subset of keys that already have a delivery
// for this user and channel inside the rolling dedupe window. The check is
// time-bounded: a story may legitimately resurface after the window lapses.
func (db *DB) RecentDedupeKeys(ctx context.Context, userID, channel string, keys []string, window time.Duration) (map[string]struct{}, error) {
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT dedupe_key
		FROM alert_deliveries
		WHERE user_id = $1
		  AND channel = $2
		  AND dedupe_key = ANY($3)
		  AND created_at >= now() - make_interval(secs => $4)
	`, toUUID(userID), channel, keys, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query recent dedupe keys: %w", err)
	}
	defer rows.Close()

	recent := make(map[string]struct{})

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan dedupe key row: %w", err)
		}

		recent[key] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dedupe key rows: %w", err)
	}

	return recent, nil
}

// DueDeliveries returns runnable rows for one alert and channel: PENDING or
// FAILED, under the attempt ceiling, with a due next-attempt time. Ordered
// by next_attempt_at so retries starve the queue least.
func (db *DB) DueDeliveries(ctx context.Context, alertID, channel string, maxAttempts, limit int) ([]Delivery, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT d.alert_id, d.user_id, d.article_id, d.channel, a.target,
		       d.dedupe_key, d.priority, d.status, d.attempt_count,
		       d.queued_at, d.queued_at_is_estimated
		FROM alert_deliveries d
		JOIN alerts a ON a.id = d.alert_id
		WHERE d.alert_id = $1
		  AND d.channel = $2
		  AND d.status IN ('PENDING', 'FAILED')
		  AND d.attempt_count < $3
		  AND (d.next_attempt_at IS NULL OR d.next_attempt_at <= now())
		ORDER BY d.next_attempt_at ASC
		LIMIT $4
	`, toUUID(alertID), channel, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()

	var due []Delivery

	for rows.Next() {
		var (
			d                        Delivery
			alertUUID, userID, artID pgtype.UUID
		)

		if err := rows.Scan(
			&alertUUID, &userID, &artID, &d.Channel, &d.Target,
			&d.DedupeKey, &d.Priority, &d.Status, &d.AttemptCount,
			&d.QueuedAt.Time, &d.QueuedAt.Estimated,
		); err != nil {
			return nil, fmt.Errorf("scan due delivery row: %w", err)
		}

		d.AlertID = fromUUID(alertUUID)
		d.UserID = fromUUID(userID)
		d.ArticleID = fromUUID(artID)
		due = append(due, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due delivery rows: %w", err)
	}

	return due, nil
}

// MarkDeliverySent transitions a row to its terminal SENT state.
func (db *DB) MarkDeliverySent(ctx context.Context, d Delivery) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET status = 'SENT',
		    error = NULL,
		    delivered_at = now(),
		    attempt_count = attempt_count + 1,
		    last_attempt_at = now(),
		    next_attempt_at = now()
		WHERE alert_id = $1 AND article_id = $2 AND channel = $3
	`, toUUID(d.AlertID), toUUID(d.ArticleID), d.Channel)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}

	return nil
}

// MarkDeliveryFailed records a failed attempt and schedules the next one.
// It returns the new attempt count so the caller can detect the give-up
// transition exactly once.
func (db *DB) MarkDeliveryFailed(ctx context.Context, d Delivery, sendErr string, nextAttemptAt time.Time) (int, error) {
	var attempts int

	err := db.Pool.QueryRow(ctx, `
		UPDATE alert_deliveries
		SET status = 'FAILED',
		    error = $4,
		    attempt_count = attempt_count + 1,
		    last_attempt_at = now(),
		    next_attempt_at = $5
		WHERE alert_id = $1 AND article_id = $2 AND channel = $3
		RETURNING attempt_count
	`, toUUID(d.AlertID), toUUID(d.ArticleID), d.Channel, truncateError(sendErr), nextAttemptAt).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("mark delivery failed: %w", err)
	}

	return attempts, nil
}

// LastDigestSentAt returns the most recent delivered_at among SENT rows for
// a user and channel. Zero time when nothing has been delivered yet.
func (db *DB) LastDigestSentAt(ctx context.Context, userID, channel string) (time.Time, error) {
	var last pgtype.Timestamptz

	err := db.Pool.QueryRow(ctx, `
		SELECT MAX(delivered_at)
		FROM alert_deliveries
		WHERE user_id = $1 AND channel = $2 AND status = 'SENT'
	`, toUUID(userID), channel).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last digest time: %w", err)
	}

	if !last.Valid {
		return time.Time{}, nil
	}

	return last.Time, nil
}

// Backlog computes the health snapshot in one aggregate pass. Estimated
// queue times are excluded from the oldest-age figure so backfilled rows do
// not fake an outage.
func (db *DB) Backlog(ctx context.Context, maxAttempts int) (BacklogStats, error) {
	var (
		stats                 BacklogStats
		oldestSec, nextDueSec float64
	)

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (
				WHERE status IN ('PENDING', 'FAILED') AND attempt_count < $1
			),
			COUNT(*) FILTER (
				WHERE status IN ('PENDING', 'FAILED')
				  AND attempt_count < $1
				  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			),
			COALESCE(EXTRACT(EPOCH FROM (
				now() - MIN(queued_at) FILTER (
					WHERE status IN ('PENDING', 'FAILED')
					  AND attempt_count < $1
					  AND NOT queued_at_is_estimated
				)
			)), 0),
			COALESCE(EXTRACT(EPOCH FROM (
				MIN(next_attempt_at) FILTER (
					WHERE status IN ('PENDING', 'FAILED')
					  AND attempt_count < $1
					  AND next_attempt_at > now()
				) - now()
			)), 0),
			COUNT(*) FILTER (
				WHERE status IN ('PENDING', 'FAILED')
				  AND attempt_count < $1
				  AND queued_at_is_estimated
			),
			COUNT(*) FILTER (WHERE status = 'FAILED' AND attempt_count >= $1)
		FROM alert_deliveries
	`, maxAttempts).Scan(
		&stats.Pending, &stats.PendingDue, &oldestSec, &nextDueSec,
		&stats.QueuedEstimated, &stats.GivenUp,
	)
	if err != nil {
		return BacklogStats{}, fmt.Errorf("query backlog stats: %w", err)
	}

	stats.OldestAge = time.Duration(oldestSec * float64(time.Second))
	stats.NextDueIn = time.Duration(nextDueSec * float64(time.Second))

	return stats, nil
}

// DeadLetter is a given-up row kept for inspection.
type DeadLetter struct {
	AlertID      string
	UserID       string
	ArticleID    string
	Channel      string
	Priority     string
	AttemptCount int
	Error        string
	QueuedAt     QueuedAt
	LastAttempt  time.Time
}

// DeadLetters lists FAILED rows past the attempt ceiling, newest attempts
// first, optionally bounded to rows queued after since.
func (db *DB) DeadLetters(ctx context.Context, maxAttempts int, since time.Time, limit int) ([]DeadLetter, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT alert_id, user_id, article_id, channel, priority,
		       attempt_count, COALESCE(error, ''),
		       queued_at, queued_at_is_estimated, last_attempt_at
		FROM alert_deliveries
		WHERE status = 'FAILED'
		  AND attempt_count >= $1
		  AND ($2::timestamptz IS NULL OR queued_at >= $2)
		ORDER BY last_attempt_at DESC
		LIMIT $3
	`, maxAttempts, toTimestamptz(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter

	for rows.Next() {
		var (
			letter                 DeadLetter
			alertID, userID, artID pgtype.UUID
			lastAttempt            pgtype.Timestamptz
		)

		if err := rows.Scan(
			&alertID, &userID, &artID, &letter.Channel, &letter.Priority,
			&letter.AttemptCount, &letter.Error,
			&letter.QueuedAt.Time, &letter.QueuedAt.Estimated, &lastAttempt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}

		letter.AlertID = fromUUID(alertID)
		letter.UserID = fromUUID(userID)
		letter.ArticleID = fromUUID(artID)
		letter.LastAttempt = lastAttempt.Time
		letters = append(letters, letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}

	return letters, nil
}

const maxErrorLen = 500

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}

	return s
}
