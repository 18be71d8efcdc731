package delivery

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/models"
)

// PushNotifier hands OS-level notifications to the shell that owns the
// platform notification API. Each one is tagged with the notification id so
// the platform collapses re-deliveries.
type PushNotifier struct {
	enabled bool
	out     Broadcaster
	logger  zerolog.Logger
}

func NewPushNotifier(cfg config.PushConfig, out Broadcaster, logger zerolog.Logger) *PushNotifier {
	if out == nil {
		out = Nop{}
	}
	return &PushNotifier{
		enabled: cfg.Enabled,
		out:     out,
		logger:  logger.With().Str("notifier", "push").Logger(),
	}
}

func (n *PushNotifier) Enabled() bool {
	return n != nil && n.enabled
}

func (n *PushNotifier) Notify(ctx context.Context, p models.Presentation) error {
	if !n.enabled {
		return nil
	}
	p.Surface = models.SurfacePush
	p.Tag = p.Notification.ID
	n.logger.Info().
		Str("notification_id", p.Notification.ID).
		Str("event_type", string(p.Notification.Type)).
		Str("tag", p.Tag).
		Msg("push notification dispatched")
	return n.out.Broadcast(ctx, Event{Topic: TopicPresentation, Payload: p})
}

func (n *PushNotifier) String() string {
	if !n.enabled {
		return "PushNotifier(disabled)"
	}
	return "PushNotifier"
}
