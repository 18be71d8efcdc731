package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type NotificationType string

const (
	NotificationTypeNewSubscriber   NotificationType = "new_subscriber"
	NotificationTypeNewMessage      NotificationType = "new_message"
	NotificationTypeNewComment      NotificationType = "new_comment"
	NotificationTypeNewPost         NotificationType = "new_post"
	NotificationTypePaymentSuccess  NotificationType = "payment_success"
	NotificationTypePaymentFailed   NotificationType = "payment_failed"
	NotificationTypePayoutCompleted NotificationType = "payout_completed"
	NotificationTypeLike            NotificationType = "like"
	NotificationTypeGeneric         NotificationType = "generic"
)

var knownNotificationTypes = map[NotificationType]struct{}{
	NotificationTypeNewSubscriber:   {},
	NotificationTypeNewMessage:      {},
	NotificationTypeNewComment:      {},
	NotificationTypeNewPost:         {},
	NotificationTypePaymentSuccess:  {},
	NotificationTypePaymentFailed:   {},
	NotificationTypePayoutCompleted: {},
	NotificationTypeLike:            {},
	NotificationTypeGeneric:         {},
}

// Known reports whether t is one of the types the platform currently emits.
func (t NotificationType) Known() bool {
	_, ok := knownNotificationTypes[t]
	return ok
}

type Actor struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

func (a *Actor) UnmarshalJSON(data []byte) error {
	type plain Actor
	var raw struct {
		plain
		ID wireID `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Actor(raw.plain)
	a.ID = string(raw.ID)
	return nil
}

// wireID accepts an identifier sent either as a JSON string or as a JSON
// number and keeps its canonical string form. Numbers keep their literal
// digits so 42 and "42" name the same notification.
type wireID string

func (id *wireID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = wireID(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return fmt.Errorf("id must be a string or a number, got %s", trimmed)
	}
	*id = wireID(num.String())
	return nil
}

// Notification is one server-assigned notification event. Two values with the
// same ID describe the same logical notification regardless of which channel
// delivered them.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	Read       bool             `json:"read"`
	ActionURL  string           `json:"actionUrl,omitempty"`
	Actor      *Actor           `json:"actor,omitempty"`
	EntityType string           `json:"entityType,omitempty"`
	EntityID   string           `json:"entityId,omitempty"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	TimeAgo    string           `json:"timeAgo,omitempty"`
}

// UnmarshalJSON accepts producers that send numeric ids or a non-string
// message payload and coerces both to strings. A missing type becomes generic.
func (n *Notification) UnmarshalJSON(data []byte) error {
	type plain Notification
	var raw struct {
		plain
		ID       wireID          `json:"id"`
		EntityID wireID          `json:"entityId"`
		Message  json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Notification(raw.plain)
	n.ID = string(raw.ID)
	n.EntityID = string(raw.EntityID)
	n.Message = coerceMessage(raw.Message)
	if strings.TrimSpace(string(n.Type)) == "" {
		n.Type = NotificationTypeGeneric
	}
	return nil
}

func coerceMessage(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return strconv.FormatBool(b)
		}
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
	default:
		var num json.Number
		if err := json.Unmarshal(trimmed, &num); err == nil {
			return num.String()
		}
	}
	return string(trimmed)
}

// Validate reports whether the event carries the fields every consumer relies on.
func (n Notification) Validate() bool {
	return strings.TrimSpace(n.ID) != ""
}

// Clone returns a copy that shares no mutable memory with n.
func (n Notification) Clone() Notification {
	out := n
	if n.Actor != nil {
		actor := *n.Actor
		out.Actor = &actor
	}
	if n.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), n.Metadata...)
	}
	return out
}

// DirectMessage is the payload of a realtime direct-message frame.
type DirectMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	Content        string    `json:"content,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

func (m *DirectMessage) UnmarshalJSON(data []byte) error {
	type plain DirectMessage
	var raw struct {
		plain
		ID             wireID `json:"id"`
		ConversationID wireID `json:"conversationId"`
		SenderID       wireID `json:"senderId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = DirectMessage(raw.plain)
	m.ID = string(raw.ID)
	m.ConversationID = string(raw.ConversationID)
	m.SenderID = string(raw.SenderID)
	return nil
}
