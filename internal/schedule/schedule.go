// Package schedule interprets digest schedule preferences. Users pick the
// named presets "daily" or "hourly", or supply a standard five-field cron
// expression for anything else.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// Daily digests go out at 08:00 server time.
	dailySpec  = "0 8 * * *"
	hourlySpec = "0 * * * *"
)

// Schedule decides when a user's digest deliveries become due.
type Schedule struct {
	spec     string
	cronSpec cron.Schedule
}

// Parse resolves a schedule preference into a concrete schedule. Unknown or
// malformed expressions are reported as errors; callers decide the fallback.
func Parse(spec string) (Schedule, error) {
	expr := spec

	switch spec {
	case "", "daily":
		expr = dailySpec
	case "hourly":
		expr = hourlySpec
	}

	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse digest schedule %q: %w", spec, err)
	}

	return Schedule{spec: spec, cronSpec: parsed}, nil
}

// MustDaily returns the daily preset. Used as the fallback when a stored
// preference fails to parse.
func MustDaily() Schedule {
	s, err := Parse("daily")
	if err != nil {
		panic(err)
	}

	return s
}

// Due reports whether a digest window has elapsed: the first firing after
// lastSent is at or before now. A zero lastSent means no digest has ever
// been sent; the first one goes out on the next cycle rather than waiting
// for a firing.
func (s Schedule) Due(lastSent, now time.Time) bool {
	if lastSent.IsZero() {
		return true
	}

	return !s.cronSpec.Next(lastSent).After(now)
}

// Next returns the first firing after the given time.
func (s Schedule) Next(after time.Time) time.Time {
	return s.cronSpec.Next(after)
}

func (s Schedule) String() string {
	return s.spec
}
