package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/models"
)

type NotificationHandler struct {
	sessions Sessions
	logger   zerolog.Logger
}

func NewNotificationHandler(sessions Sessions, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		sessions: sessions,
		logger:   logger.With().Str("handler", "notification").Logger(),
	}
}

type listResponse struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
	Version       uint64                `json:"version"`
}

// List serves the reconciled list, newest first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	st, err := h.sessions.Snapshot(userID)
	if err != nil {
		writeError(w, h.logger, err, "failed to list notifications")
		return
	}

	items := st.Items
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed < len(items) {
			items = items[:parsed]
		}
	}
	if items == nil {
		items = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Notifications: items,
		UnreadCount:   st.UnreadCount,
		Version:       st.Version,
	})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	st, err := h.sessions.Snapshot(userID)
	if err != nil {
		writeError(w, h.logger, err, "failed to read unread count")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": st.UnreadCount})
}

// MarkRead answers once the collaborator confirmed the change or the retries
// ran out. The local state is updated either way.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}

	notifID := strings.TrimSpace(mux.Vars(r)["notificationID"])
	if notifID == "" {
		http.Error(w, "Notification ID is required", http.StatusBadRequest)
		return
	}

	// the mutation and its retries outlive a client that stops waiting
	if err := h.sessions.MarkRead(context.WithoutCancel(r.Context()), userID, notifID); err != nil {
		writeError(w, h.logger, err, "failed to mark notification as read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	if err := h.sessions.MarkAllRead(context.WithoutCancel(r.Context()), userID); err != nil {
		writeError(w, h.logger, err, "failed to mark all notifications as read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
