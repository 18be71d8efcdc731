package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestParseSessionToken(t *testing.T) {
	token, err := IssueSessionToken("user-7", secret, time.Hour)
	require.NoError(t, err)

	user, err := ParseSessionToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-7", user.ID)
	assert.Equal(t, token, user.Token)
}

func TestParseSessionTokenRejects(t *testing.T) {
	expired, err := IssueSessionToken("u", secret, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueSessionToken("u", []byte("other"), time.Hour)
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"expired":   expired,
		"wrong key": wrongKey,
		"no sub":    noSub,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSessionToken(token, secret)
			assert.ErrorIs(t, err, apperror.ErrUnauthorized)
		})
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromRequest(r)
		require.True(t, ok)
		seen = user.ID
		assert.NotEmpty(t, user.Token)
		w.WriteHeader(http.StatusNoContent)
	}))
	token, err := IssueSessionToken("user-9", secret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-9", seen)

	req = httptest.NewRequest(http.MethodGet, "/api/stream?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Token "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
