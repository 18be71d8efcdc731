package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
)

// Notifier activates one presentation surface.
type Notifier interface {
	Notify(ctx context.Context, p models.Presentation) error
}

// Event carries a payload destined for the UI transports.
type Event struct {
	Topic   string
	Payload any
}

// Broadcaster pushes events to the connected UI clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
}

// Nop broadcaster discards events.
type Nop struct{}

var _ Broadcaster = (*Nop)(nil)

func (Nop) Broadcast(context.Context, Event) error { return nil }

const TopicPresentation = "presentation"

// SurfaceNotifier publishes presentations for the in-app surfaces.
type SurfaceNotifier struct {
	surface models.Surface
	out     Broadcaster
	logger  zerolog.Logger
}

func NewToastNotifier(out Broadcaster, logger zerolog.Logger) *SurfaceNotifier {
	return newSurfaceNotifier(models.SurfaceToast, out, logger)
}

func NewBadgeNotifier(out Broadcaster, logger zerolog.Logger) *SurfaceNotifier {
	return newSurfaceNotifier(models.SurfaceBadge, out, logger)
}

func newSurfaceNotifier(surface models.Surface, out Broadcaster, logger zerolog.Logger) *SurfaceNotifier {
	if out == nil {
		out = Nop{}
	}
	return &SurfaceNotifier{
		surface: surface,
		out:     out,
		logger:  logger.With().Str("notifier", string(surface)).Logger(),
	}
}

func (n *SurfaceNotifier) Notify(ctx context.Context, p models.Presentation) error {
	p.Surface = n.surface
	n.logger.Debug().
		Str("notification_id", p.Notification.ID).
		Str("event_type", string(p.Notification.Type)).
		Msg("presenting notification")
	return n.out.Broadcast(ctx, Event{Topic: TopicPresentation, Payload: p})
}

func (n *SurfaceNotifier) String() string {
	return fmt.Sprintf("SurfaceNotifier(%s)", n.surface)
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.Type)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
