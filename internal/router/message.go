package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/models"
)

type MessageType string

const (
	MessageAuthSuccess          MessageType = "auth_success"
	MessageNotificationCreated  MessageType = "notification_created"
	MessageDirectMessageCreated MessageType = "direct_message_created"
	MessageUnknown              MessageType = "unknown"

	// FilterAll matches every known message type. Unknown messages only reach
	// subscribers that ask for MessageUnknown explicitly.
	FilterAll MessageType = ""
)

// Wire names used by the realtime endpoint.
const (
	wireAuthSuccess        = "auth_success"
	wireNewNotification    = "new_notification"
	wireNewMessageRealtime = "new_message_realtime"
)

// Message is a decoded inbound frame. Exactly one payload field is set for
// the notification and direct-message types.
type Message struct {
	Type          MessageType
	WireType      string
	Notification  *models.Notification
	DirectMessage *models.DirectMessage
	Raw           json.RawMessage
}

type envelope struct {
	Type         string          `json:"type"`
	Notification json.RawMessage `json:"notification"`
	Message      json.RawMessage `json:"message"`
	Data         json.RawMessage `json:"data"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperror.ErrMalformedFrame, fmt.Sprintf(format, args...))
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Decode classifies one frame. It never returns a partially populated
// message: any error means the frame must be dropped.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, malformed("decode envelope: %v", err)
	}
	wireType := strings.TrimSpace(env.Type)
	if wireType == "" {
		return Message{}, malformed("missing type")
	}
	msg := Message{WireType: wireType, Raw: append(json.RawMessage(nil), frame...)}

	switch wireType {
	case wireAuthSuccess:
		msg.Type = MessageAuthSuccess
	case wireNewNotification:
		if !present(env.Notification) {
			return Message{}, malformed("%s without notification", wireType)
		}
		var n models.Notification
		if err := json.Unmarshal(env.Notification, &n); err != nil {
			return Message{}, malformed("decode notification: %v", err)
		}
		if !n.Validate() {
			return Message{}, malformed("notification without id")
		}
		msg.Type = MessageNotificationCreated
		msg.Notification = &n
	case wireNewMessageRealtime:
		payload := env.Message
		if !present(payload) {
			payload = env.Data
		}
		if !present(payload) {
			return Message{}, malformed("%s without message", wireType)
		}
		var dm models.DirectMessage
		if err := json.Unmarshal(payload, &dm); err != nil {
			return Message{}, malformed("decode direct message: %v", err)
		}
		msg.Type = MessageDirectMessageCreated
		msg.DirectMessage = &dm
	default:
		msg.Type = MessageUnknown
	}
	return msg, nil
}
