package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/scheduler"
	"github.com/dukerupert/nudge/internal/store"
)

const maxBodyBytes = 64 << 10

// Scheduler is the engine behind the schedule endpoints.
type Scheduler interface {
	Schedule(ctx context.Context, s *model.Schedule) error
	Reschedule(ctx context.Context, id string, fireAt time.Time) (*model.Schedule, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Schedule, error)
	List(ctx context.Context, limit int) ([]model.Schedule, error)
}

type DeliveryLister interface {
	ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]model.Delivery, error)
}

type ScheduleHandler struct {
	scheduler  Scheduler
	deliveries DeliveryLister
	supports   func(targetType string) bool
	logger     *slog.Logger
}

// NewScheduleHandler creates the handler. supports reports whether a
// target type can be delivered; nil accepts every type.
func NewScheduleHandler(s Scheduler, d DeliveryLister, supports func(string) bool, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{scheduler: s, deliveries: d, supports: supports, logger: logger}
}

type createRequest struct {
	Target     model.Target     `json:"target"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	URL        string           `json:"url"`
	FireAt     time.Time        `json:"fireAt"`
	Recurrence model.Recurrence `json:"recurrence"`
}

// Create handles POST /schedule
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Target.Type != "" && h.supports != nil && !h.supports(req.Target.Type) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target.type: " + req.Target.Type + " delivery is not configured"})
		return
	}

	s := &model.Schedule{
		Target:     req.Target,
		Payload:    model.Payload{Title: strings.TrimSpace(req.Title), Body: req.Body, URL: req.URL},
		FireAt:     req.FireAt.UTC(),
		Recurrence: req.Recurrence,
	}
	if s.Recurrence.Until != nil {
		u := s.Recurrence.Until.UTC()
		s.Recurrence.Until = &u
	}

	if err := h.scheduler.Schedule(r.Context(), s); err != nil {
		h.writeError(w, "create schedule", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID})
}

type cancelRequest struct {
	ID string `json:"id"`
}

// Cancel handles POST /schedule/cancel
func (h *ScheduleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	if err := h.scheduler.Cancel(r.Context(), req.ID); err != nil {
		h.writeError(w, "cancel schedule", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule cancelled"})
}

type rescheduleRequest struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fireAt"`
}

// Reschedule handles POST /schedule/reschedule
func (h *ScheduleHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if req.FireAt.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fireAt: is required"})
		return
	}

	s, err := h.scheduler.Reschedule(r.Context(), req.ID, req.FireAt.UTC())
	if err != nil {
		h.writeError(w, "reschedule", err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// List handles GET /schedule
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}

	list, err := h.scheduler.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, "list schedules", err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /schedule/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Deliveries handles GET /schedule/{id}/deliveries
func (h *ScheduleHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}

	list, err := h.deliveries.ListBySchedule(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, "list deliveries", err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// writeError maps engine and store errors to status codes. Only unexpected
// errors are logged; their text never reaches the client.
func (h *ScheduleHandler) writeError(w http.ResponseWriter, op string, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "schedule not found"})
	case errors.Is(err, scheduler.ErrInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "schedule is being delivered, try again"})
	default:
		h.logger.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
