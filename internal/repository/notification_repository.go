package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
)

const (
	DefaultListLimit = 5
	maxListLimit     = 100
)

// NotificationRepository talks to the web app's notification endpoints on
// behalf of one signed-in user.
type NotificationRepository interface {
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, notificationID string) error
	MarkAllRead(ctx context.Context) error
}

// HTTPError is returned for any non-2xx answer.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

type notificationRepository struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewNotificationRepository(baseURL, token string, httpClient *http.Client, logger zerolog.Logger) NotificationRepository {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &notificationRepository{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "notification_repository").Logger(),
	}
}

type listResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Data          []models.Notification `json:"data"`
}

func (r *notificationRepository) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = DefaultListLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var raw json.RawMessage
	if err := r.doJSON(ctx, http.MethodGet, "/api/notifications?"+q.Encode(), nil, &raw); err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	notifications, err := decodeList(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode notification list")
	}
	return notifications, nil
}

// decodeList accepts {"notifications":[...]}, {"data":[...]} or a bare array.
func decodeList(raw json.RawMessage) ([]models.Notification, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []models.Notification
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var resp listResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, err
	}
	if resp.Notifications != nil {
		return resp.Notifications, nil
	}
	return resp.Data, nil
}

func (r *notificationRepository) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count *int `json:"count"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/api/notifications/unread-count", nil, &resp); err != nil {
		return 0, errors.Wrap(err, "fetch unread count")
	}
	if resp.Count == nil {
		return 0, errors.New("unread count response has no count")
	}
	if *resp.Count < 0 {
		return 0, nil
	}
	return *resp.Count, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return errors.New("notification id is required")
	}
	path := fmt.Sprintf("/api/notifications/%s/read", url.PathEscape(notificationID))
	if err := r.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return errors.Wrapf(err, "mark notification %s read", notificationID)
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context) error {
	if err := r.doJSON(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil); err != nil {
		return errors.Wrap(err, "mark all notifications read")
	}
	return nil
}

func (r *notificationRepository) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	correlationID := uuid.NewString()
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	r.logger.Debug().
		Str("method", method).
		Str("path", requestPath).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("correlation_id", correlationID).
		Msg("collaborator request")
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    msg,
	}
}
