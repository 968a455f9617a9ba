package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// Alert is an active subscription joined with its saved search filter.
type Alert struct {
	ID            string
	UserID        string
	SavedSearchID string
	Channel       string
	Target        string
	Name          string
	Query         string
	Days          int
	Category      string
	Source        string
}

// ActiveAlerts returns all active alerts with their saved-search filters,
// ordered by alert id so cycles process them in a stable order.
func (db *DB) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT
			a.id, a.user_id, a.saved_search_id, a.channel, a.target,
			ss.name,
			COALESCE(ss.query, ''),
			COALESCE(ss.days, 7),
			COALESCE(ss.category, ''),
			COALESCE(ss.source, '')
		FROM alerts a
		JOIN saved_searches ss ON ss.id = a.saved_search_id
		WHERE a.active
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert

	for rows.Next() {
		var (
			al                   Alert
			id, userID, searchID pgtype.UUID
		)

		if err := rows.Scan(
			&id, &userID, &searchID, &al.Channel, &al.Target,
			&al.Name, &al.Query, &al.Days, &al.Category, &al.Source,
		); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}

		al.ID = fromUUID(id)
		al.UserID = fromUUID(userID)
		al.SavedSearchID = fromUUID(searchID)
		alerts = append(alerts, al)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}

	return alerts, nil
}
