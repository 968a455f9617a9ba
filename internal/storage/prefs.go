package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CategoryOption distinguishes "inherit the global default categories" from
// an explicit per-user override, including the explicit empty override that
// disables P1 promotion entirely. The two must never be conflated.
type CategoryOption struct {
	Inherit    bool
	Categories []string
}

// Effective resolves the option against the global defaults.
func (o CategoryOption) Effective(defaults []string) []string {
	if o.Inherit {
		return defaults
	}

	return o.Categories
}

// Prefs are one user's alert delivery preferences.
type Prefs struct {
	DedupeWindow        time.Duration
	ImmediatePriorities []string
	DigestPriorities    []string
	PriorityCategories  CategoryOption
	DigestSchedule      string
	ChannelsEnabled     []string
}

// DefaultPrefs are applied for users without a preference row.
func DefaultPrefs() Prefs {
	return Prefs{
		DedupeWindow:        6 * time.Hour,
		ImmediatePriorities: []string{PriorityP0},
		DigestPriorities:    []string{PriorityP1, PriorityP2},
		PriorityCategories:  CategoryOption{Inherit: true},
		DigestSchedule:      "daily",
		ChannelsEnabled:     []string{"email"},
	}
}

// GetUserPrefs loads a user's preferences, falling back to defaults when no
// row exists. found reports whether a row was present.
func (db *DB) GetUserPrefs(ctx context.Context, userID string) (Prefs, bool, error) {
	var (
		windowSec   int
		catsInherit bool
		cats        []string
		prefs       = DefaultPrefs()
	)

	err := db.Pool.QueryRow(ctx, `
		SELECT dedupe_window_sec,
		       immediate_priorities,
		       digest_priorities,
		       priority_categories IS NULL,
		       COALESCE(priority_categories, '{}'::text[]),
		       digest_schedule,
		       channels_enabled
		FROM user_alert_prefs
		WHERE user_id = $1
	`, toUUID(userID)).Scan(
		&windowSec,
		&prefs.ImmediatePriorities,
		&prefs.DigestPriorities,
		&catsInherit,
		&cats,
		&prefs.DigestSchedule,
		&prefs.ChannelsEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultPrefs(), false, nil
		}

		return Prefs{}, false, fmt.Errorf("query user prefs: %w", err)
	}

	prefs.DedupeWindow = time.Duration(windowSec) * time.Second
	prefs.PriorityCategories = CategoryOption{Inherit: catsInherit, Categories: cats}

	return prefs, true, nil
}

// PrefsUpdate carries partial preference changes. Nil fields keep the
// stored value; ClearPriorityCategories resets the override back to
// inherit (NULL), which is distinct from setting an empty override.
type PrefsUpdate struct {
	DedupeWindowSec         *int
	ImmediatePriorities     []string
	DigestPriorities        []string
	PriorityCategories      []string
	ClearPriorityCategories bool
	DigestSchedule          *string
	ChannelsEnabled         []string
}

// UpsertUserPrefs creates or partially updates a preference row and returns
// the stored result.
func (db *DB) UpsertUserPrefs(ctx context.Context, userID string, update PrefsUpdate) (Prefs, error) {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO user_alert_prefs (
			user_id, dedupe_window_sec, immediate_priorities, digest_priorities,
			priority_categories, digest_schedule, channels_enabled, updated_at
		)
		VALUES (
			$1,
			COALESCE($2, 21600),
			COALESCE($3, ARRAY['P0']),
			COALESCE($4, ARRAY['P1', 'P2']),
			CASE WHEN $8 THEN NULL ELSE $5 END,
			COALESCE($6, 'daily'),
			COALESCE($7, ARRAY['email']),
			now()
		)
		ON CONFLICT (user_id)
		DO UPDATE SET
			dedupe_window_sec = COALESCE($2, user_alert_prefs.dedupe_window_sec),
			immediate_priorities = COALESCE($3, user_alert_prefs.immediate_priorities),
			digest_priorities = COALESCE($4, user_alert_prefs.digest_priorities),
			priority_categories = CASE
				WHEN $8 THEN NULL
				WHEN $5::text[] IS NULL THEN user_alert_prefs.priority_categories
				ELSE $5
			END,
			digest_schedule = COALESCE($6, user_alert_prefs.digest_schedule),
			channels_enabled = COALESCE($7, user_alert_prefs.channels_enabled),
			updated_at = now()
	`,
		toUUID(userID),
		update.DedupeWindowSec,
		update.ImmediatePriorities,
		update.DigestPriorities,
		update.PriorityCategories,
		update.DigestSchedule,
		update.ChannelsEnabled,
		update.ClearPriorityCategories,
	)
	if err != nil {
		return Prefs{}, fmt.Errorf("upsert user prefs: %w", err)
	}

	prefs, _, err := db.GetUserPrefs(ctx, userID)

	return prefs, err
}
