package model

import (
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// Target types
const (
	TargetWebPush = "webpush"
	TargetFCM     = "fcm"
	TargetEmail   = "email"
)

// PushKeys are the base64url values from PushSubscription.getKey().
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Target is where a schedule is delivered. Only the fields for Type are set.
type Target struct {
	Type     string    `json:"type"`
	Endpoint string    `json:"endpoint,omitempty"`
	Keys     *PushKeys `json:"keys,omitempty"`
	Token    string    `json:"token,omitempty"`
	Address  string    `json:"address,omitempty"`
}

// Validate checks the shape of the target for its type.
func (t Target) Validate() error {
	switch t.Type {
	case TargetWebPush:
		u, err := url.Parse(t.Endpoint)
		if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") {
			return invalid("target.endpoint", "must be an absolute http(s) URL")
		}
		if t.Keys == nil || t.Keys.P256dh == "" || t.Keys.Auth == "" {
			return invalid("target.keys", "p256dh and auth are required")
		}
	case TargetFCM:
		if strings.TrimSpace(t.Token) == "" {
			return invalid("target.token", "is required")
		}
	case TargetEmail:
		if _, err := mail.ParseAddress(t.Address); err != nil {
			return invalid("target.address", "must be a valid e-mail address")
		}
	case "":
		return invalid("target.type", "is required")
	default:
		return invalid("target.type", "unknown type %q", t.Type)
	}
	return nil
}

// DeliveryStatus is the outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryTargetGone DeliveryStatus = "target_gone"
)

// Delivery records the outcome of one occurrence of a schedule.
type Delivery struct {
	ID          int64          `json:"id"`
	ScheduleID  string         `json:"scheduleId"`
	FireAt      time.Time      `json:"fireAt"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	AttemptedAt time.Time      `json:"attemptedAt"`
}
