package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/chainpulse/errors"
)

// Window is how long after an occurrence a schedule still counts as due
const Window = 60 * time.Second

// parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates a cron expression and timezone.
func Parse(expr, timezone string) (cron.Schedule, *time.Location, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, nil, errors.NewValidationError("timezone", "unknown timezone %q", timezone)
	}
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, nil, errors.NewValidationError("cronExpression", "invalid cron expression %q: %v", expr, err)
	}
	return sched, loc, nil
}

// ShouldTriggerNow reports whether the most recent occurrence of expr in
// timezone at or before now lies within Window of now. Invalid expressions
// and timezones are never due.
func ShouldTriggerNow(expr, timezone string, now time.Time) bool {
	_, ok := LastOccurrence(expr, timezone, now)
	return ok
}

// LastOccurrence returns the most recent occurrence in (now-Window, now].
func LastOccurrence(expr, timezone string, now time.Time) (time.Time, bool) {
	sched, loc, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)

	var last time.Time
	found := false
	for occ := sched.Next(local.Add(-Window)); !occ.IsZero() && !occ.After(local); occ = sched.Next(occ) {
		last, found = occ, true
	}
	return last, found
}

// NextOccurrence returns the first occurrence after now, for display.
func NextOccurrence(expr, timezone string, now time.Time) (time.Time, error) {
	sched, loc, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.In(loc)), nil
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
