package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return b.err
}

func (b *recordingBroadcaster) surfaces() map[models.Surface]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.Surface]int)
	for _, e := range b.events {
		if p, ok := e.Payload.(models.Presentation); ok {
			out[p.Surface]++
		}
	}
	return out
}

func newCoordinator(pushEnabled bool) (*Coordinator, *recordingBroadcaster) {
	out := &recordingBroadcaster{}
	logger := zerolog.Nop()
	c := NewCoordinator(
		NewPushNotifier(config.PushConfig{Enabled: pushEnabled}, out, logger),
		NewToastNotifier(out, logger),
		NewBadgeNotifier(out, logger),
		logger,
	)
	return c, out
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name        string
		visible     bool
		permission  models.Permission
		pushEnabled bool
		want        models.Surface
	}{
		{name: "hidden and granted", visible: false, permission: models.PermissionGranted, pushEnabled: true, want: models.SurfacePush},
		{name: "visible and granted", visible: true, permission: models.PermissionGranted, pushEnabled: true, want: models.SurfaceToast},
		{name: "visible without permission", visible: true, permission: models.PermissionDefault, pushEnabled: true, want: models.SurfaceToast},
		{name: "hidden and denied", visible: false, permission: models.PermissionDenied, pushEnabled: true, want: models.SurfaceBadge},
		{name: "hidden and default", visible: false, permission: models.PermissionDefault, pushEnabled: true, want: models.SurfaceBadge},
		{name: "hidden, granted, push disabled", visible: false, permission: models.PermissionGranted, pushEnabled: false, want: models.SurfaceBadge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newCoordinator(tt.pushEnabled)
			c.Begin(tt.permission)
			c.SetVisibility(tt.visible)

			d := c.HandleArrival(context.Background(), models.Notification{ID: "1"})
			assert.Equal(t, tt.want, d.Surface)
			assert.False(t, d.Duplicate)
			assert.Equal(t, map[models.Surface]int{tt.want: 1}, out.surfaces())
		})
	}
}

func TestHiddenGrantedArrivalIsPushedOnce(t *testing.T) {
	c, out := newCoordinator(true)
	c.Begin(models.PermissionGranted)
	c.SetVisibility(false)

	n := models.Notification{ID: "42", Type: models.NotificationTypeNewMessage}
	first := c.HandleArrival(context.Background(), n)
	c.SetVisibility(true)
	second := c.HandleArrival(context.Background(), n)

	assert.Equal(t, models.SurfacePush, first.Surface)
	assert.True(t, second.Duplicate)
	assert.Equal(t, map[models.Surface]int{models.SurfacePush: 1}, out.surfaces())

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.events, 1)
	p := out.events[0].Payload.(models.Presentation)
	assert.Equal(t, "42", p.Tag)
	assert.Equal(t, TopicPresentation, out.events[0].Topic)
}

func TestNewSessionForgetsDeliveredIDs(t *testing.T) {
	c, out := newCoordinator(true)
	c.Begin(models.PermissionDefault)
	c.HandleArrival(context.Background(), models.Notification{ID: "1"})
	c.End()

	assert.Equal(t, models.SurfaceNone, c.HandleArrival(context.Background(), models.Notification{ID: "2"}).Surface)

	c.Begin(models.PermissionDefault)
	d := c.HandleArrival(context.Background(), models.Notification{ID: "1"})
	assert.False(t, d.Duplicate)
	assert.Equal(t, 2, out.surfaces()[models.SurfaceToast])
}

func TestRequestPermissionPromptsOnlyFromDefault(t *testing.T) {
	c, _ := newCoordinator(true)
	c.Begin(models.PermissionDefault)

	prompts := 0
	grant := PrompterFunc(func(context.Context) (models.Permission, error) {
		prompts++
		return models.PermissionGranted, nil
	})

	got, err := c.RequestPermission(context.Background(), grant)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionGranted, got)

	got, err = c.RequestPermission(context.Background(), grant)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionGranted, got)
	assert.Equal(t, 1, prompts)

	c.Begin(models.PermissionDenied)
	got, err = c.RequestPermission(context.Background(), grant)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionDenied, got)
	assert.Equal(t, 1, prompts, "a denied decision is never re-requested")
}

func TestRequestPermissionError(t *testing.T) {
	c, _ := newCoordinator(true)
	c.Begin(models.PermissionDefault)
	failing := PrompterFunc(func(context.Context) (models.Permission, error) {
		return "", errors.New("prompt dismissed")
	})
	got, err := c.RequestPermission(context.Background(), failing)
	assert.Error(t, err)
	assert.Equal(t, models.PermissionDefault, got)
	assert.Equal(t, models.PermissionDefault, c.Permission())
}

func TestSurfaceFailureIsAbsorbed(t *testing.T) {
	c, out := newCoordinator(true)
	out.err = errors.New("no listeners")
	c.Begin(models.PermissionDefault)

	d := c.HandleArrival(context.Background(), models.Notification{ID: "1"})
	assert.Equal(t, models.SurfaceToast, d.Surface)
	assert.True(t, c.HandleArrival(context.Background(), models.Notification{ID: "1"}).Duplicate)
}

func TestNotifierNames(t *testing.T) {
	logger := zerolog.Nop()
	assert.Equal(t, "PushNotifier(disabled)", notifierChannelName(NewPushNotifier(config.PushConfig{}, nil, logger)))
	assert.Equal(t, "SurfaceNotifier(toast)", notifierChannelName(NewToastNotifier(nil, logger)))
}
