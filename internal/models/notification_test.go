package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationMessageCoercion(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "string", payload: `"hello"`, want: "hello"},
		{name: "number", payload: `12.5`, want: "12.5"},
		{name: "bool", payload: `true`, want: "true"},
		{name: "object", payload: `{"amount": 5, "currency": "usd"}`, want: `{"amount":5,"currency":"usd"}`},
		{name: "array", payload: `[1, 2]`, want: `[1,2]`},
		{name: "null", payload: `null`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Notification
			err := json.Unmarshal([]byte(`{"id":"42","type":"new_message","message":`+tt.payload+`}`), &n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.Message)
			assert.Equal(t, "42", n.ID)
		})
	}
}

func TestNotificationDecodeFields(t *testing.T) {
	raw := `{
		"id": "n-1",
		"title": "New subscriber",
		"read": true,
		"actionUrl": "/subscribers",
		"actor": {"id": "u-9", "username": "mia", "displayName": "Mia"},
		"entityType": "subscription",
		"entityId": "s-3",
		"metadata": {"tier": "gold"},
		"createdAt": "2026-10-01T10:00:00Z",
		"timeAgo": "2h"
	}`
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(raw), &n))

	assert.Equal(t, NotificationTypeGeneric, n.Type, "missing type falls back to generic")
	assert.True(t, n.Read)
	assert.Equal(t, "/subscribers", n.ActionURL)
	require.NotNil(t, n.Actor)
	assert.Equal(t, "mia", n.Actor.Username)
	assert.Equal(t, "s-3", n.EntityID)
	assert.JSONEq(t, `{"tier":"gold"}`, string(n.Metadata))
	assert.Equal(t, 2026, n.CreatedAt.Year())
	assert.True(t, n.Validate())
}

func TestNotificationNumericIDs(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		id       string
		actorID  string
		entityID string
	}{
		{name: "numbers", raw: `{"id":42,"type":"new_message","read":false,"actor":{"id":7},"entityId":1001}`, id: "42", actorID: "7", entityID: "1001"},
		{name: "strings", raw: `{"id":"42","actor":{"id":"7"},"entityId":"1001"}`, id: "42", actorID: "7", entityID: "1001"},
		{name: "large number keeps digits", raw: `{"id":9007199254740993}`, id: "9007199254740993"},
		{name: "null id", raw: `{"id":null}`, id: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Notification
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &n))
			assert.Equal(t, tt.id, n.ID)
			assert.Equal(t, tt.id != "", n.Validate())
			assert.Equal(t, tt.entityID, n.EntityID)
			if tt.actorID != "" {
				require.NotNil(t, n.Actor)
				assert.Equal(t, tt.actorID, n.Actor.ID)
			}
		})
	}
}

func TestNotificationRejectsNonScalarID(t *testing.T) {
	var n Notification
	assert.Error(t, json.Unmarshal([]byte(`{"id":{"v":1}}`), &n))
	assert.Error(t, json.Unmarshal([]byte(`{"id":true}`), &n))
}

func TestDirectMessageNumericIDs(t *testing.T) {
	var m DirectMessage
	require.NoError(t, json.Unmarshal([]byte(`{"id":5,"conversationId":12,"senderId":"u-3","content":"hey"}`), &m))
	assert.Equal(t, "5", m.ID)
	assert.Equal(t, "12", m.ConversationID)
	assert.Equal(t, "u-3", m.SenderID)
	assert.Equal(t, "hey", m.Content)
}

func TestNotificationCloneIsIndependent(t *testing.T) {
	n := Notification{ID: "1", Actor: &Actor{ID: "a"}, Metadata: json.RawMessage(`{"k":1}`)}
	c := n.Clone()
	c.Actor.ID = "b"
	c.Metadata[2] = 'x'

	assert.Equal(t, "a", n.Actor.ID)
	assert.Equal(t, `{"k":1}`, string(n.Metadata))
}

func TestConnectionStateActive(t *testing.T) {
	assert.True(t, ConnectionLive.Active())
	assert.True(t, ConnectionReconnecting.Active())
	assert.False(t, ConnectionClosed.Active())
	assert.False(t, ConnectionDisconnected.Active())
}

func TestParsePermission(t *testing.T) {
	assert.Equal(t, PermissionGranted, ParsePermission("granted"))
	assert.Equal(t, PermissionDenied, ParsePermission("denied"))
	assert.Equal(t, PermissionDefault, ParsePermission("prompt"))
}
