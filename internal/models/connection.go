package models

import "time"

type ConnectionState string

const (
	ConnectionDisconnected   ConnectionState = "disconnected"
	ConnectionConnecting     ConnectionState = "connecting"
	ConnectionAuthenticating ConnectionState = "authenticating"
	ConnectionLive           ConnectionState = "live"
	ConnectionReconnecting   ConnectionState = "reconnecting"
	ConnectionClosed         ConnectionState = "closed"
)

// Active reports whether the state already owns a connection or a pending
// reconnect, in which case opening again must not start another one.
func (s ConnectionState) Active() bool {
	switch s {
	case ConnectionConnecting, ConnectionAuthenticating, ConnectionLive, ConnectionReconnecting:
		return true
	default:
		return false
	}
}

// ConnectionStatus is the externally visible summary of a notification session.
type ConnectionStatus struct {
	SessionID    string          `json:"session_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	State        ConnectionState `json:"state"`
	Attempt      int             `json:"attempt"`
	Degraded     bool            `json:"degraded"`
	SessionError string          `json:"session_error,omitempty"`
	LastWarning  string          `json:"last_warning,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
