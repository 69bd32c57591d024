package scheduler

import (
	"time"

	"github.com/dukerupert/nudge/internal/model"
)

type EventType string

const (
	EventCreated     EventType = "created"
	EventRescheduled EventType = "rescheduled"
	EventCancelled   EventType = "cancelled"
	EventDelivered   EventType = "delivered"
	EventFailed      EventType = "failed"
	EventExpired     EventType = "expired"
)

// Event describes a lifecycle change of a schedule. Status is the state of
// the schedule after the change; FireAt is the occurrence involved.
type Event struct {
	Type       EventType    `json:"type"`
	ScheduleID string       `json:"scheduleId"`
	Status     model.Status `json:"status"`
	FireAt     time.Time    `json:"fireAt"`
	Error      string       `json:"error,omitempty"`
}
