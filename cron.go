package warden

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// recurrenceParser accepts standard five-field crontab expressions, an
// optional leading seconds field, and descriptors such as "@daily" or
// "@every 90s".
var recurrenceParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRecurrence validates a recurrence expression.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	schedule, err := recurrenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// loadLocation resolves an IANA zone name; empty falls back to def.
func loadLocation(name string, def *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// calculateNextRun returns the first occurrence of expr strictly after
// `after`, evaluated in zone tz (or def when tz is empty) and normalized to UTC.
func calculateNextRun(expr, tz string, def *time.Location, after time.Time) (time.Time, error) {
	schedule, err := ParseRecurrence(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(tz, def)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future occurrence", expr)
	}
	return next.UTC(), nil
}
