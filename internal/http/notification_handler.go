package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"flyn/internal/notify"
)

// NotificationHandler exposes the caller's notifications for the page poller.
type NotificationHandler struct {
	notices *notify.Hub
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(notices *notify.Hub) *NotificationHandler {
	return &NotificationHandler{notices: notices}
}

// List handles GET /notifications.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.notices.For(sessionKeyFromContext(r.Context())).List()
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// Dismiss handles DELETE /notifications/{id}.
func (h *NotificationHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.notices.For(sessionKeyFromContext(r.Context())).Dismiss(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
