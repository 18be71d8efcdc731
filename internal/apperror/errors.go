package apperror

import (
	"errors"
	"net/http"
)

var (
	// ErrTransport covers dial, read and handshake-timeout failures. It is
	// recovered locally by reconnecting.
	ErrTransport = errors.New("transport error")
	// ErrConnectionExhausted is reported once the reconnect budget is spent.
	ErrConnectionExhausted = errors.New("connection attempts exhausted")
	// ErrAuthRejected means the server refused the auth frame for this session.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrMutationFailure is returned after mark-read retries are exhausted.
	ErrMutationFailure = errors.New("mutation failed")
	// ErrMalformedFrame marks an inbound frame that was dropped by the router.
	ErrMalformedFrame = errors.New("malformed frame")

	ErrNoSession    = errors.New("no active session")
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
)

// AppError carries an HTTP status alongside the underlying error.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MapErrorToStatus maps taxonomy errors to HTTP status codes for the local API.
func MapErrorToStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, ErrMutationFailure), errors.Is(err, ErrConnectionExhausted), errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
