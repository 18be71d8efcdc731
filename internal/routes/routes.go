package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/handlers"
)

// NewRouter sets up the local API routes. Everything under /api requires a
// session token signed with secret.
func NewRouter(
	secret []byte,
	session *handlers.SessionHandler,
	notifications *handlers.NotificationHandler,
	stream *handlers.StreamHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.Middleware(secret))

	api.HandleFunc("/session", session.Open).Methods(http.MethodPost)
	api.HandleFunc("/session", session.Close).Methods(http.MethodDelete)
	api.HandleFunc("/status", session.Status).Methods(http.MethodGet)
	api.HandleFunc("/permission", session.Permission).Methods(http.MethodPost)
	api.HandleFunc("/visibility", session.Visibility).Methods(http.MethodPut)

	api.HandleFunc("/notifications", notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread-count", notifications.UnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", notifications.MarkAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/read", notifications.MarkRead).Methods(http.MethodPost)

	api.HandleFunc("/stream", stream.Stream).Methods(http.MethodGet)

	return router
}
