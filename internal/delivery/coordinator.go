// Package delivery decides which presentation surface shows a newly arrived
// notification and drives that surface.
package delivery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
)

// Prompter asks the user for OS notification permission. It is only invoked
// from an explicit user action.
type Prompter interface {
	Prompt(ctx context.Context) (models.Permission, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context) (models.Permission, error)

func (f PrompterFunc) Prompt(ctx context.Context) (models.Permission, error) {
	return f(ctx)
}

// Decision records what HandleArrival did with one notification.
type Decision struct {
	Surface   models.Surface `json:"surface"`
	Duplicate bool           `json:"duplicate"`
}

type Coordinator struct {
	push   *PushNotifier
	toast  Notifier
	badge  Notifier
	logger zerolog.Logger

	mu         sync.Mutex
	active     bool
	epoch      uint64
	permission models.Permission
	visible    bool
	delivered  map[string]models.Surface
}

func NewCoordinator(push *PushNotifier, toast, badge Notifier, logger zerolog.Logger) *Coordinator {
	if toast == nil {
		toast = NewToastNotifier(nil, logger)
	}
	if badge == nil {
		badge = NewBadgeNotifier(nil, logger)
	}
	return &Coordinator{
		push:       push,
		toast:      toast,
		badge:      badge,
		logger:     logger.With().Str("component", "delivery_coordinator").Logger(),
		permission: models.PermissionDefault,
		visible:    true,
		delivered:  make(map[string]models.Surface),
	}
}

// Begin starts a session with the permission read from the platform. The
// page is assumed visible until told otherwise.
func (c *Coordinator) Begin(permission models.Permission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.active = true
	c.permission = permission
	c.visible = true
	c.delivered = make(map[string]models.Surface)
}

func (c *Coordinator) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.active = false
	c.delivered = make(map[string]models.Surface)
}

func (c *Coordinator) SetVisibility(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = visible
}

func (c *Coordinator) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

func (c *Coordinator) Permission() models.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// RequestPermission prompts only while the permission is still default. A
// granted or denied answer is final for the session.
func (c *Coordinator) RequestPermission(ctx context.Context, prompter Prompter) (models.Permission, error) {
	c.mu.Lock()
	current, epoch := c.permission, c.epoch
	c.mu.Unlock()
	if current != models.PermissionDefault || prompter == nil {
		return current, nil
	}

	answer, err := prompter.Prompt(ctx)
	if err != nil {
		return current, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.permission != models.PermissionDefault {
		return c.permission, nil
	}
	c.permission = answer
	c.logger.Info().Str("permission", string(answer)).Msg("notification permission updated")
	return answer, nil
}

// HandleArrival presents a newly arrived notification on exactly one surface.
// A notification id is handled once per session; repeats are reported as
// duplicates and present nothing.
func (c *Coordinator) HandleArrival(ctx context.Context, n models.Notification) Decision {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return Decision{Surface: models.SurfaceNone}
	}
	if prev, ok := c.delivered[n.ID]; ok {
		c.mu.Unlock()
		return Decision{Surface: prev, Duplicate: true}
	}
	surface := c.decideLocked()
	c.delivered[n.ID] = surface
	c.mu.Unlock()

	var notifier Notifier
	switch surface {
	case models.SurfacePush:
		notifier = c.push
	case models.SurfaceToast:
		notifier = c.toast
	default:
		notifier = c.badge
	}
	p := models.Presentation{Surface: surface, Notification: n}
	if err := notifier.Notify(ctx, p); err != nil {
		logNotifyError(c.logger, err, notifierChannelName(notifier), n)
	}
	return Decision{Surface: surface}
}

func (c *Coordinator) decideLocked() models.Surface {
	switch {
	case !c.visible && c.permission == models.PermissionGranted && c.push.Enabled():
		return models.SurfacePush
	case c.visible:
		return models.SurfaceToast
	default:
		return models.SurfaceBadge
	}
}
