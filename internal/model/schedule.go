package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFiring    Status = "firing"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFiring, StatusDelivered, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// RecurrenceType selects how the next occurrence of a schedule is computed.
type RecurrenceType string

const (
	RecurNone   RecurrenceType = "none"
	RecurDaily  RecurrenceType = "daily"
	RecurWeekly RecurrenceType = "weekly"
	RecurCustom RecurrenceType = "custom"
)

// MaxIntervalSeconds caps a custom recurrence interval at 366 days.
const MaxIntervalSeconds int64 = 366 * 24 * 60 * 60

// Recurrence describes a repeating schedule. The zero value is a one-shot.
type Recurrence struct {
	Type            RecurrenceType `json:"type"`
	IntervalSeconds int64          `json:"intervalSeconds,omitempty"`
	Until           *time.Time     `json:"until,omitempty"`
}

// IsRecurring reports whether the rule produces more than one occurrence.
func (r Recurrence) IsRecurring() bool {
	return r.Type != "" && r.Type != RecurNone
}

// Payload is the content delivered for each occurrence.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Schedule is a notification to be delivered at FireAt and, for recurring
// schedules, at every following occurrence until Until.
type Schedule struct {
	ID         string     `json:"id"`
	Target     Target     `json:"target"`
	Payload    Payload    `json:"payload"`
	FireAt     time.Time  `json:"fireAt"`
	Recurrence Recurrence `json:"recurrence"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ValidationError reports input that can never be scheduled.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the schedule against now. A pending schedule must fire
// strictly after now.
func (s *Schedule) Validate(now time.Time) error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(s.Payload.Title) == "" {
		return invalid("title", "is required")
	}
	if s.FireAt.IsZero() {
		return invalid("fireAt", "is required")
	}
	if s.Status == StatusPending && !s.FireAt.After(now) {
		return invalid("fireAt", "must be in the future")
	}
	return s.Recurrence.validate(s.FireAt)
}

func (r Recurrence) validate(fireAt time.Time) error {
	switch r.Type {
	case "", RecurNone:
		if r.IntervalSeconds != 0 {
			return invalid("recurrence.intervalSeconds", "only allowed for custom recurrence")
		}
		if r.Until != nil {
			return invalid("recurrence.until", "only allowed for recurring schedules")
		}
		return nil
	case RecurDaily, RecurWeekly:
		if r.IntervalSeconds != 0 {
			return invalid("recurrence.intervalSeconds", "only allowed for custom recurrence")
		}
	case RecurCustom:
		if r.IntervalSeconds <= 0 {
			return invalid("recurrence.intervalSeconds", "must be positive for custom recurrence")
		}
		if r.IntervalSeconds > MaxIntervalSeconds {
			return invalid("recurrence.intervalSeconds", "must be at most %d", MaxIntervalSeconds)
		}
	default:
		return invalid("recurrence.type", "unknown type %q", r.Type)
	}
	if r.Until != nil && r.Until.Before(fireAt) {
		return invalid("recurrence.until", "must not be before fireAt")
	}
	return nil
}
