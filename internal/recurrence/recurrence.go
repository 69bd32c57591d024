// Package recurrence computes the next occurrence of a repeating schedule.
package recurrence

import (
	"fmt"
	"math"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Period returns the fixed distance between two occurrences, or 0 for a
// one-shot or malformed rule. Intervals too large for a time.Duration are
// malformed.
func Period(rule model.Recurrence) time.Duration {
	switch rule.Type {
	case model.RecurDaily:
		return day
	case model.RecurWeekly:
		return week
	case model.RecurCustom:
		if rule.IntervalSeconds <= 0 || rule.IntervalSeconds > math.MaxInt64/int64(time.Second) {
			return 0
		}
		return time.Duration(rule.IntervalSeconds) * time.Second
	}
	return 0
}

// Next returns the first occurrence after current that is strictly later
// than now. Occurrences missed while the process was down are skipped, not
// replayed. The second result is false when the schedule has no further
// occurrence: it is a one-shot, or the next occurrence falls after Until.
func Next(current time.Time, rule model.Recurrence, now time.Time) (time.Time, bool) {
	period := Period(rule)
	if period <= 0 {
		return time.Time{}, false
	}

	k := int64(1)
	if !now.Before(current) {
		k = int64(now.Sub(current)/period) + 1
	}
	next := current.Add(time.Duration(k) * period)

	if rule.Until != nil && next.After(*rule.Until) {
		return time.Time{}, false
	}
	return next, true
}

// Describe renders the rule for logs and the CLI.
func Describe(rule model.Recurrence) string {
	var s string
	switch rule.Type {
	case model.RecurDaily:
		s = "Repeats daily"
	case model.RecurWeekly:
		s = "Repeats weekly"
	case model.RecurCustom:
		s = "Repeats every " + formatInterval(rule.IntervalSeconds)
	default:
		return "Does not repeat"
	}
	if rule.Until != nil {
		s += " until " + rule.Until.UTC().Format(time.RFC3339)
	}
	return s
}

func formatInterval(seconds int64) string {
	units := []struct {
		size int64
		name string
	}{
		{86400, "day"},
		{3600, "hour"},
		{60, "minute"},
		{1, "second"},
	}
	for _, u := range units {
		if seconds%u.size == 0 {
			n := seconds / u.size
			if n == 1 {
				return u.name
			}
			return fmt.Sprintf("%d %ss", n, u.name)
		}
	}
	return fmt.Sprintf("%d seconds", seconds)
}
