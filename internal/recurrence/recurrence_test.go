package recurrence

import (
	"math"
	"testing"
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

func date(day, hour, min int) time.Time {
	return time.Date(2024, 3, day, hour, min, 0, 0, time.UTC)
}

func TestNextNone(t *testing.T) {
	for _, rule := range []model.Recurrence{{}, {Type: model.RecurNone}} {
		if _, ok := Next(date(1, 9, 0), rule, date(1, 9, 0)); ok {
			t.Errorf("Next(%+v) ok = true, want false", rule)
		}
	}
}

func TestNextSimple(t *testing.T) {
	tests := []struct {
		name string
		rule model.Recurrence
		want time.Time
	}{
		{"daily", model.Recurrence{Type: model.RecurDaily}, date(2, 9, 0)},
		{"weekly", model.Recurrence{Type: model.RecurWeekly}, date(8, 9, 0)},
		{"custom 90m", model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 5400}, date(1, 10, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Next(date(1, 9, 0), tt.rule, date(1, 9, 0))
			if !ok {
				t.Fatal("ok = false, want true")
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextSkipsMissedOccurrences(t *testing.T) {
	rule := model.Recurrence{Type: model.RecurDaily}

	// Down for three and a half days: the next occurrence is the first one
	// after now, not the first one after current.
	got, ok := Next(date(1, 9, 0), rule, date(4, 21, 0))
	if !ok {
		t.Fatal("ok = false, want true")
	}
	if !got.Equal(date(5, 9, 0)) {
		t.Errorf("Next = %v, want %v", got, date(5, 9, 0))
	}

	// Exactly on an occurrence boundary the result must still be strictly later.
	got, _ = Next(date(1, 9, 0), rule, date(3, 9, 0))
	if !got.Equal(date(4, 9, 0)) {
		t.Errorf("Next on boundary = %v, want %v", got, date(4, 9, 0))
	}
}

func TestNextNowBeforeCurrent(t *testing.T) {
	rule := model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 60}
	got, ok := Next(date(1, 9, 0), rule, date(1, 8, 0))
	if !ok || !got.Equal(date(1, 9, 1)) {
		t.Errorf("Next = %v, %v; want %v, true", got, ok, date(1, 9, 1))
	}
}

func TestNextUntil(t *testing.T) {
	until := date(3, 9, 0)
	rule := model.Recurrence{Type: model.RecurDaily, Until: &until}

	got, ok := Next(date(2, 9, 0), rule, date(2, 9, 0))
	if !ok || !got.Equal(until) {
		t.Errorf("occurrence equal to until: got %v, %v; want %v, true", got, ok, until)
	}

	if _, ok := Next(date(3, 9, 0), rule, date(3, 9, 0)); ok {
		t.Error("occurrence after until: ok = true, want false")
	}
}

func TestNextCustomInvalid(t *testing.T) {
	rule := model.Recurrence{Type: model.RecurCustom}
	if _, ok := Next(date(1, 9, 0), rule, date(1, 9, 0)); ok {
		t.Error("custom without interval: ok = true, want false")
	}
}

func TestPeriodOverflow(t *testing.T) {
	tests := []struct {
		name    string
		seconds int64
	}{
		{"wraps to a short period", 18446744074},
		{"wraps negative", 9223372037},
		{"max int64", math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := model.Recurrence{Type: model.RecurCustom, IntervalSeconds: tt.seconds}
			if p := Period(rule); p != 0 {
				t.Errorf("Period = %v, want 0", p)
			}
			if next, ok := Next(date(1, 9, 0), rule, date(1, 9, 0)); ok {
				t.Errorf("Next = %v, ok = true, want false", next)
			}
		})
	}

	largest := model.Recurrence{Type: model.RecurCustom, IntervalSeconds: model.MaxIntervalSeconds}
	if p := Period(largest); p != 366*24*time.Hour {
		t.Errorf("Period(366 days) = %v", p)
	}
}

func TestDescribe(t *testing.T) {
	until := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		rule model.Recurrence
		want string
	}{
		{model.Recurrence{}, "Does not repeat"},
		{model.Recurrence{Type: model.RecurDaily}, "Repeats daily"},
		{model.Recurrence{Type: model.RecurWeekly, Until: &until}, "Repeats weekly until 2024-12-31T00:00:00Z"},
		{model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 5400}, "Repeats every 90 minutes"},
		{model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 7200}, "Repeats every 2 hours"},
		{model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 86400}, "Repeats every day"},
		{model.Recurrence{Type: model.RecurCustom, IntervalSeconds: 45}, "Repeats every 45 seconds"},
	}

	for _, tt := range tests {
		if got := Describe(tt.rule); got != tt.want {
			t.Errorf("Describe(%+v) = %q, want %q", tt.rule, got, tt.want)
		}
	}
}
