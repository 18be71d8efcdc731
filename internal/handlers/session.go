package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/reconciler"
)

// Sessions is the part of session.Service the local API drives.
type Sessions interface {
	Open(ctx context.Context, user models.User) (models.ConnectionStatus, error)
	Close()
	Status() models.ConnectionStatus
	Snapshot(userID string) (reconciler.State, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
	RequestPermission(ctx context.Context, userID string, prompter delivery.Prompter) (models.Permission, error)
	Permission() models.Permission
	SetVisibility(userID string, visible bool) error
}

type statusResponse struct {
	models.ConnectionStatus
	Permission models.Permission `json:"permission"`
}

type permissionRequest struct {
	Decision string `json:"decision"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

type SessionHandler struct {
	sessions Sessions
	logger   zerolog.Logger
}

func NewSessionHandler(sessions Sessions, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger.With().Str("handler", "session").Logger(),
	}
}

func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	user, ok := authz.UserFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	// the session outlives the request
	st, err := h.sessions.Open(context.WithoutCancel(r.Context()), user)
	if err != nil {
		writeError(w, h.logger, err, "failed to open session")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ConnectionStatus: st, Permission: h.sessions.Permission()})
}

func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	st := h.sessions.Status()
	if st.UserID != "" && st.UserID != userID {
		writeError(w, h.logger, apperror.ErrNoSession, "close rejected")
		return
	}
	h.sessions.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	st := h.sessions.Status()
	if st.UserID != userID {
		// another user's session is none of the caller's business
		st = models.ConnectionStatus{State: models.ConnectionDisconnected, UpdatedAt: st.UpdatedAt}
	}
	writeJSON(w, http.StatusOK, statusResponse{ConnectionStatus: st, Permission: h.sessions.Permission()})
}

// Permission records the user's answer to the explicit notification prompt.
func (h *SessionHandler) Permission(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	answer := models.ParsePermission(req.Decision)
	got, err := h.sessions.RequestPermission(r.Context(), userID, delivery.PrompterFunc(func(context.Context) (models.Permission, error) {
		return answer, nil
	}))
	if err != nil {
		writeError(w, h.logger, err, "failed to record permission")
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.Permission{"permission": got})
}

func (h *SessionHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Visible == nil {
		http.Error(w, "visible is required", http.StatusBadRequest)
		return
	}
	if err := h.sessions.SetVisibility(userID, *req.Visible); err != nil {
		writeError(w, h.logger, err, "failed to set visibility")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
