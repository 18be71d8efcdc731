// Package session runs one notification session at a time: the realtime
// connection, the event router, the poll cadence and the delivery
// coordinator, all bound to the reconciled state of the signed-in user.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/connection"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/fanout"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/reconciler"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stanstork/notifyd/internal/router"
	"github.com/stanstork/notifyd/internal/worker"
)

const (
	TopicState         = "state"
	TopicStatus        = "status"
	TopicDirectMessage = "direct_message"
)

// ClientFactory builds the notification API client for a signed-in user.
type ClientFactory func(user models.User) repository.NotificationRepository

type Options struct {
	Config    *config.Config
	Dialer    connection.Dialer
	NewClient ClientFactory
	Out       delivery.Broadcaster
	Clock     clock.Clock
	Logger    zerolog.Logger
}

type session struct {
	id     string
	user   models.User
	epoch  reconciler.Epoch
	conn   *connection.Manager
	router *router.Router
	poller *worker.Poller
	cancel context.CancelFunc
}

type Service struct {
	cfg       *config.Config
	socketURL string
	dialer    connection.Dialer
	newClient ClientFactory
	out       delivery.Broadcaster
	clock     clock.Clock
	logger    zerolog.Logger

	store *reconciler.Store
	coord *delivery.Coordinator

	// openMu serializes Open and Close. mu guards current and is never held
	// while calling into the components.
	openMu  sync.Mutex
	mu      sync.Mutex
	current *session

	statusMu      sync.Mutex
	status        models.ConnectionStatus
	statusChanges fanout.Registry[models.ConnectionStatus]
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, pkgerrors.New("session: config is required")
	}
	if opts.Dialer == nil || opts.NewClient == nil {
		return nil, pkgerrors.New("session: dialer and client factory are required")
	}
	if opts.Out == nil {
		opts.Out = delivery.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	cfg := opts.Config

	origin := cfg.Realtime.Origin
	if strings.TrimSpace(origin) == "" {
		origin = cfg.API.BaseURL
	}
	socketURL, err := connection.SocketURL(origin, cfg.Realtime.Path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "derive realtime endpoint")
	}

	logger := opts.Logger
	s := &Service{
		cfg:       cfg,
		socketURL: socketURL,
		dialer:    opts.Dialer,
		newClient: opts.NewClient,
		out:       opts.Out,
		clock:     opts.Clock,
		logger:    logger.With().Str("component", "session").Logger(),
		store: reconciler.NewStore(reconciler.Options{
			Attempts:      cfg.Mutation.Attempts,
			RetryDelay:    cfg.Mutation.Delay,
			RetryMaxDelay: cfg.Mutation.MaxDelay,
			Logger:        logger,
		}),
		coord: delivery.NewCoordinator(
			delivery.NewPushNotifier(cfg.Push, opts.Out, logger),
			delivery.NewToastNotifier(opts.Out, logger),
			delivery.NewBadgeNotifier(opts.Out, logger),
			logger,
		),
		status: models.ConnectionStatus{State: models.ConnectionDisconnected, UpdatedAt: opts.Clock.Now()},
	}

	s.store.Subscribe(func(st reconciler.State) {
		s.broadcast(TopicState, st)
	})
	s.store.SubscribeArrivals(func(n models.Notification) {
		d := s.coord.HandleArrival(context.Background(), n)
		s.logger.Debug().Str("notification_id", n.ID).Str("surface", string(d.Surface)).Msg("arrival presented")
	})
	s.store.SubscribeResync(func(epoch reconciler.Epoch) {
		if sess := s.currentSession(); sess != nil && sess.epoch == epoch {
			sess.poller.Trigger()
		}
	})
	return s, nil
}

// Open starts a session for user. Opening again for the same user is a
// no-op; a different user replaces the running session.
func (s *Service) Open(ctx context.Context, user models.User) (models.ConnectionStatus, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return models.ConnectionStatus{}, pkgerrors.Wrap(apperror.ErrBadRequest, "user id is required")
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	if prev := s.currentSession(); prev != nil {
		if prev.user.ID == user.ID {
			// restarts the socket only if it gave up or was closed by the server
			if err := prev.conn.Open(user.ID); err != nil {
				return models.ConnectionStatus{}, pkgerrors.Wrap(err, "reopen realtime connection")
			}
			return s.Status(), nil
		}
		s.logger.Info().Str("user_id", prev.user.ID).Str("next_user_id", user.ID).Msg("replacing session for another user")
		s.teardown(prev)
	}

	sess := &session{id: uuid.NewString(), user: user}
	client := s.newClient(user)
	sess.epoch = s.store.Begin(user.ID, client)
	s.coord.Begin(models.ParsePermission(s.cfg.Push.InitialPermission))
	s.resetStatus(models.ConnectionStatus{
		SessionID: sess.id,
		UserID:    user.ID,
		State:     models.ConnectionDisconnected,
		UpdatedAt: s.clock.Now(),
	})

	sess.router = router.New(s.logger)
	sess.router.Subscribe(router.MessageNotificationCreated, func(m router.Message) {
		s.store.ApplyEvent(sess.epoch, *m.Notification)
	})
	sess.router.Subscribe(router.MessageAuthSuccess, func(router.Message) {
		// fill whatever was missed while the socket was down
		sess.poller.Trigger()
	})
	sess.router.Subscribe(router.MessageDirectMessageCreated, func(m router.Message) {
		s.broadcast(TopicDirectMessage, m.DirectMessage)
	})

	sess.poller = worker.NewPoller(worker.PollerConfig{
		Source:         client,
		Sink:           s.store,
		ListInterval:   s.cfg.Poll.ListInterval,
		CountInterval:  s.cfg.Poll.CountInterval,
		ListLimit:      s.cfg.Poll.ListLimit,
		RequestTimeout: s.cfg.API.Timeout,
		Clock:          s.clock,
		Logger:         s.logger,
	})
	sess.conn = connection.NewManager(s.dialer, connection.Options{
		URL:          s.socketURL,
		InitialDelay: s.cfg.Realtime.InitialDelay,
		MaxDelay:     s.cfg.Realtime.MaxDelay,
		MaxAttempts:  s.cfg.Realtime.MaxAttempts,
		AuthTimeout:  s.cfg.Realtime.AuthTimeout,
		Clock:        s.clock,
		Logger:       s.logger,
	}, func(frame []byte) {
		_ = sess.router.Dispatch(frame)
	})
	sess.conn.OnStateChange(func(c connection.StateChange) {
		s.onConnectionChange(sess.id, c)
	})

	pollCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	sess.poller.Start(pollCtx)
	if err := sess.conn.Open(user.ID); err != nil {
		s.teardown(sess)
		return models.ConnectionStatus{}, pkgerrors.Wrap(err, "open realtime connection")
	}
	s.logger.Info().Str("session_id", sess.id).Str("user_id", user.ID).Msg("notification session opened")
	return s.Status(), nil
}

// Close ends the running session, if any. Pending reconnects and the poll
// cadence stop; late results from in-flight requests are discarded.
func (s *Service) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if sess := s.currentSession(); sess != nil {
		s.teardown(sess)
		s.logger.Info().Str("session_id", sess.id).Str("user_id", sess.user.ID).Msg("notification session closed")
	}
}

func (s *Service) teardown(sess *session) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()

	sess.conn.Close()
	sess.poller.Stop()
	sess.cancel()
	s.store.End()
	s.coord.End()
	s.resetStatus(models.ConnectionStatus{State: models.ConnectionDisconnected, UpdatedAt: s.clock.Now()})
}

func (s *Service) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Service) sessionFor(userID string) (*session, error) {
	sess := s.currentSession()
	if sess == nil || sess.user.ID != userID {
		return nil, apperror.ErrNoSession
	}
	return sess, nil
}

func (s *Service) Status() models.ConnectionStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// SubscribeStatus registers fn for connection status changes.
func (s *Service) SubscribeStatus(fn func(models.ConnectionStatus)) func() {
	return s.statusChanges.Subscribe(nil, fn)
}

// Subscribe registers fn for reconciled state changes.
func (s *Service) Subscribe(fn func(reconciler.State)) func() {
	return s.store.Subscribe(fn)
}

func (s *Service) Snapshot(userID string) (reconciler.State, error) {
	if _, err := s.sessionFor(userID); err != nil {
		return reconciler.State{}, err
	}
	return s.store.Snapshot(), nil
}

// MarkRead marks one notification read. Cancelling ctx does not abort the
// request or its retries once issued.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	if _, err := s.sessionFor(userID); err != nil {
		return err
	}
	if err := s.store.MarkRead(context.WithoutCancel(ctx), notificationID); err != nil {
		s.warn(err)
		return err
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	if _, err := s.sessionFor(userID); err != nil {
		return err
	}
	if err := s.store.MarkAllRead(context.WithoutCancel(ctx)); err != nil {
		s.warn(err)
		return err
	}
	return nil
}

func (s *Service) RequestPermission(ctx context.Context, userID string, prompter delivery.Prompter) (models.Permission, error) {
	if _, err := s.sessionFor(userID); err != nil {
		return "", err
	}
	return s.coord.RequestPermission(ctx, prompter)
}

func (s *Service) Permission() models.Permission {
	return s.coord.Permission()
}

func (s *Service) SetVisibility(userID string, visible bool) error {
	if _, err := s.sessionFor(userID); err != nil {
		return err
	}
	s.coord.SetVisibility(visible)
	return nil
}

// onConnectionChange runs inside the connection manager's transition and
// must not call back into it.
func (s *Service) onConnectionChange(sessionID string, c connection.StateChange) {
	s.statusMu.Lock()
	if s.status.SessionID != sessionID {
		s.statusMu.Unlock()
		return
	}
	st := &s.status
	st.State = c.To
	st.Attempt = c.Attempt
	st.UpdatedAt = c.At
	switch {
	case c.To == models.ConnectionLive:
		st.Degraded = false
		st.SessionError = ""
	case errors.Is(c.Err, apperror.ErrConnectionExhausted):
		st.Degraded = true
		st.LastWarning = c.Err.Error()
	case errors.Is(c.Err, apperror.ErrAuthRejected):
		st.SessionError = c.Err.Error()
	}
	snapshot := *st
	s.statusMu.Unlock()

	s.statusChanges.Publish(snapshot)
	s.broadcast(TopicStatus, snapshot)
}

func (s *Service) resetStatus(st models.ConnectionStatus) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
	s.statusChanges.Publish(st)
	s.broadcast(TopicStatus, st)
}

func (s *Service) warn(err error) {
	if !errors.Is(err, apperror.ErrMutationFailure) {
		return
	}
	s.statusMu.Lock()
	s.status.LastWarning = err.Error()
	s.status.UpdatedAt = s.clock.Now()
	snapshot := s.status
	s.statusMu.Unlock()
	s.statusChanges.Publish(snapshot)
	s.broadcast(TopicStatus, snapshot)
}

func (s *Service) broadcast(topic string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.out.Broadcast(ctx, delivery.Event{Topic: topic, Payload: payload}); err != nil {
		s.logger.Debug().Err(err).Str("topic", topic).Msg("broadcast failed")
	}
}
