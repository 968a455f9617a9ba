package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetCursor returns the per-alert watermark of the newest candidate
// timestamp already processed. ok is false when no cursor exists yet.
func (db *DB) GetCursor(ctx context.Context, alertID string) (time.Time, bool, error) {
	var lastTS time.Time

	err := db.Pool.QueryRow(ctx, `
		SELECT last_ts
		FROM alert_delivery_cursors
		WHERE alert_id = $1
	`, toUUID(alertID)).Scan(&lastTS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, fmt.Errorf("query delivery cursor: %w", err)
	}

	return lastTS, true, nil
}

// AdvanceCursor moves the watermark forward. GREATEST keeps last_ts
// monotonically non-decreasing even if a cycle observes an older timestamp
// than a concurrent or earlier run. Callers advance only after the matching
// delivery batch has committed; that ordering is the crash-safety boundary.
func (db *DB) AdvanceCursor(ctx context.Context, alertID string, lastTS time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO alert_delivery_cursors (alert_id, last_ts, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (alert_id)
		DO UPDATE SET last_ts = GREATEST(alert_delivery_cursors.last_ts, EXCLUDED.last_ts),
		              updated_at = now()
	`, toUUID(alertID), lastTS)
	if err != nil {
		return fmt.Errorf("advance delivery cursor: %w", err)
	}

	return nil
}
