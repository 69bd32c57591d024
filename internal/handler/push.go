package handler

import (
	"net/http"

	"github.com/dukerupert/nudge/internal/push"
)

type PushHandler struct {
	service *push.Service
}

// NewPushHandler creates the handler. A nil service means web push is
// not configured.
func NewPushHandler(svc *push.Service) *PushHandler {
	return &PushHandler{service: svc}
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.service == nil || h.service.VAPIDPublicKey() == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "web push is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}
