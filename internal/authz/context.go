package authz

import (
	"context"
	"net/http"

	"github.com/stanstork/notifyd/internal/models"
)

type contextKey string

const (
	userIDKey contextKey = "user_id"
	tokenKey  contextKey = "session_token"
)

// WithIdentity stores the authenticated user and the raw session token on
// the context. The token is forwarded to the notification API.
func WithIdentity(ctx context.Context, user models.User) context.Context {
	if user.ID != "" {
		ctx = context.WithValue(ctx, userIDKey, user.ID)
	}
	if user.Token != "" {
		ctx = context.WithValue(ctx, tokenKey, user.Token)
	}
	return ctx
}

func UserIDFromRequest(r *http.Request) (string, bool) {
	uid, ok := r.Context().Value(userIDKey).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

// UserFromRequest returns the identity placed on the request by Middleware.
func UserFromRequest(r *http.Request) (models.User, bool) {
	uid, ok := UserIDFromRequest(r)
	if !ok {
		return models.User{}, false
	}
	token, _ := r.Context().Value(tokenKey).(string)
	return models.User{ID: uid, Token: token}, true
}
