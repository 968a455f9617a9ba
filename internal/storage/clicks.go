package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Click records that a delivered notification's link was opened. Rows are
// append-only telemetry.
type Click struct {
	ID         string
	DeliveryID string
	ClickedAt  time.Time
}

// RecordClick appends a click for a delivery row.
func (db *DB) RecordClick(ctx context.Context, deliveryID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO alert_clicks (delivery_id) VALUES ($1)
	`, toUUID(deliveryID))
	if err != nil {
		return fmt.Errorf("record alert click: %w", err)
	}

	return nil
}

// ClicksSince lists clicks recorded at or after the given time, oldest
// first.
func (db *DB) ClicksSince(ctx context.Context, since time.Time, limit int) ([]Click, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, delivery_id, clicked_at
		FROM alert_clicks
		WHERE clicked_at >= $1
		ORDER BY clicked_at ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query alert clicks: %w", err)
	}
	defer rows.Close()

	var clicks []Click

	for rows.Next() {
		var (
			click          Click
			id, deliveryID pgtype.UUID
		)

		if err := rows.Scan(&id, &deliveryID, &click.ClickedAt); err != nil {
			return nil, fmt.Errorf("scan alert click row: %w", err)
		}

		click.ID = fromUUID(id)
		click.DeliveryID = fromUUID(deliveryID)
		clicks = append(clicks, click)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert click rows: %w", err)
	}

	return clicks, nil
}
