package api

import (
	"net/http"

	"github.com/Priya8975/billing-webhook-processor/internal/store"
)

type NotificationHandler struct {
	store store.NotificationLog
}

func NewNotificationHandler(s store.NotificationLog) *NotificationHandler {
	return &NotificationHandler{store: s}
}

// ListAttempts returns notification attempts, optionally filtered by
// ?subscription_id= and ?status=.
func (h *NotificationHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempts, err := h.store.ListNotificationAttempts(r.Context(), q.Get("subscription_id"), q.Get("status"), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notification attempts")
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *NotificationHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.store.ListNotificationDeadLetters(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notification dead letters")
		return
	}
	respondJSON(w, http.StatusOK, letters)
}
