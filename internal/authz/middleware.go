package authz

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/models"
)

// ParseSessionToken validates an HS256 session token and returns the user
// named by its sub claim.
func ParseSessionToken(tokenString string, secret []byte) (models.User, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return models.User{}, errors.Wrap(apperror.ErrUnauthorized, "token is empty")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return models.User{}, errors.Wrapf(apperror.ErrUnauthorized, "invalid token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return models.User{}, errors.Wrap(apperror.ErrUnauthorized, "token expired")
	}
	userID, _ := claims["sub"].(string)
	if strings.TrimSpace(userID) == "" {
		return models.User{}, errors.Wrap(apperror.ErrUnauthorized, "missing sub claim")
	}
	return models.User{ID: userID, Token: tokenString}, nil
}

// IssueSessionToken signs a session token for userID. The web app issues the
// real ones; this is used for local tooling and tests.
func IssueSessionToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

// Middleware requires a valid bearer session token. Browsers cannot set
// headers on WebSocket upgrades, so a token query parameter is accepted too.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			user, err := ParseSessionToken(tokenString, secret)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
