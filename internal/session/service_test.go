package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/connection"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type socket struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	code   int
}

func newSocket() *socket {
	return &socket{frames: make(chan []byte, 16), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (c *socket) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *socket) WriteJSON(any) error { return nil }

func (c *socket) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *socket) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *socket) send(frame string) { c.frames <- []byte(frame) }

type dialer struct {
	mu      sync.Mutex
	sockets []*socket
	targets []string
}

func (d *dialer) queue(s *socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets = append(d.sockets, s)
}

func (d *dialer) Dial(_ context.Context, target string) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.sockets) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sockets[0]
	d.sockets = d.sockets[1:]
	return s, nil
}

type api struct {
	mu        sync.Mutex
	user      string
	lists     int
	counts    int
	count     int
	items     []models.Notification
	markReads []string
	markErr   error
}

func (a *api) ListRecent(context.Context, int) ([]models.Notification, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists++
	return append([]models.Notification(nil), a.items...), nil
}

func (a *api) UnreadCount(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts++
	return a.count, nil
}

func (a *api) MarkRead(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReads = append(a.markReads, id)
	return a.markErr
}

func (a *api) MarkAllRead(context.Context) error { return nil }

func (a *api) listCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lists
}

func (a *api) countCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

type outbox struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (o *outbox) Broadcast(_ context.Context, e delivery.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return nil
}

func (o *outbox) presentations() []models.Presentation {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Presentation
	for _, e := range o.events {
		if p, ok := e.Payload.(models.Presentation); ok {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	dialer *dialer
	apis   map[string]*api
	out    *outbox
	clock  *clock.Mock
}

func testConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{BaseURL: "https://app.example.com", Timeout: time.Second},
		Realtime: config.RealtimeConfig{
			Path:         "/ws/notifications",
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  2,
			AuthTimeout:  10 * time.Second,
		},
		Poll:     config.PollConfig{ListInterval: 2 * time.Minute, CountInterval: 2 * time.Minute, ListLimit: 5},
		Mutation: config.MutationConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Push:     config.PushConfig{Enabled: true, InitialPermission: "granted"},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer: &dialer{},
		apis:   make(map[string]*api),
		out:    &outbox{},
		clock:  clock.NewMock(),
	}
	var mu sync.Mutex
	svc, err := NewService(Options{
		Config: testConfig(),
		Dialer: f.dialer,
		NewClient: func(u models.User) repository.NotificationRepository {
			mu.Lock()
			defer mu.Unlock()
			a, ok := f.apis[u.ID]
			if !ok {
				a = &api{user: u.ID}
				f.apis[u.ID] = a
			}
			return a
		},
		Out:    f.out,
		Clock:  f.clock,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(svc.Close)
	return f
}

func (f *fixture) openLive(t *testing.T, userID string) *socket {
	t.Helper()
	s := newSocket()
	f.dialer.queue(s)
	_, err := f.svc.Open(context.Background(), models.User{ID: userID, Token: "tok"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionAuthenticating }, waitFor, tick)
	s.send(`{"type":"auth_success"}`)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionLive }, waitFor, tick)
	return s
}

func TestOpenDerivesSocketURLAndGoesLive(t *testing.T) {
	f := newFixture(t)
	f.openLive(t, "u1")

	f.dialer.mu.Lock()
	assert.Equal(t, []string{"wss://app.example.com/ws/notifications"}, f.dialer.targets)
	f.dialer.mu.Unlock()

	st := f.svc.Status()
	assert.Equal(t, "u1", st.UserID)
	assert.NotEmpty(t, st.SessionID)
	assert.False(t, st.Degraded)
}

func TestHiddenGrantedArrivalPushesOnceAndCounts(t *testing.T) {
	f := newFixture(t)
	s := f.openLive(t, "u1")
	// let the startup and gap-fill polls settle the authoritative count
	require.Eventually(t, func() bool { return f.apis["u1"].countCalls() == 2 }, waitFor, tick)
	require.NoError(t, f.svc.SetVisibility("u1", false))

	before, err := f.svc.Snapshot("u1")
	require.NoError(t, err)

	s.send(`{"type":"new_notification","notification":{"id":"42","type":"new_message","message":"hi","read":false}}`)
	require.Eventually(t, func() bool { return len(f.out.presentations()) == 1 }, waitFor, tick)
	// the same event again must not present anything
	s.send(`{"type":"new_notification","notification":{"id":"42","type":"new_message","message":"hi","read":false}}`)
	s.send(`{"type":"new_notification"}`)

	require.Eventually(t, func() bool {
		st, _ := f.svc.Snapshot("u1")
		return len(st.Items) == 1
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	ps := f.out.presentations()
	require.Len(t, ps, 1)
	assert.Equal(t, models.SurfacePush, ps[0].Surface)
	assert.Equal(t, "42", ps[0].Tag)

	after, err := f.svc.Snapshot("u1")
	require.NoError(t, err)
	assert.Equal(t, before.UnreadCount+1, after.UnreadCount)
}

func TestAuthSuccessTriggersGapFillPoll(t *testing.T) {
	f := newFixture(t)
	f.openLive(t, "u1")
	// one cycle from Start, one from auth_success
	require.Eventually(t, func() bool { return f.apis["u1"].listCalls() == 2 }, waitFor, tick)
}

func TestOpenSameUserIsNoop(t *testing.T) {
	f := newFixture(t)
	f.openLive(t, "u1")
	first := f.svc.Status().SessionID

	st, err := f.svc.Open(context.Background(), models.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first, st.SessionID)
	assert.Equal(t, models.ConnectionLive, st.State)
}

func TestOpenOtherUserReplacesSession(t *testing.T) {
	f := newFixture(t)
	old := f.openLive(t, "u1")
	old.send(`{"type":"new_notification","notification":{"id":"1"}}`)
	require.Eventually(t, func() bool {
		st, _ := f.svc.Snapshot("u1")
		return len(st.Items) == 1
	}, waitFor, tick)
	first := f.svc.Status().SessionID

	f.openLive(t, "u2")
	assert.NotEqual(t, first, f.svc.Status().SessionID)
	assert.Equal(t, websocket.CloseNormalClosure, old.closeCode())

	st, err := f.svc.Snapshot("u2")
	require.NoError(t, err)
	assert.Empty(t, st.Items)

	_, err = f.svc.Snapshot("u1")
	assert.ErrorIs(t, err, apperror.ErrNoSession)
}

func TestCloseStopsEverything(t *testing.T) {
	f := newFixture(t)
	s := f.openLive(t, "u1")
	f.svc.Close()

	assert.Equal(t, websocket.CloseNormalClosure, s.closeCode())
	st := f.svc.Status()
	assert.Empty(t, st.SessionID)
	assert.Equal(t, models.ConnectionDisconnected, st.State)
	assert.ErrorIs(t, f.svc.MarkRead(context.Background(), "u1", "1"), apperror.ErrNoSession)

	calls := f.apis["u1"].listCalls()
	f.clock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.apis["u1"].listCalls(), "poll cadence stopped")
}

func TestExhaustionDegradesButPollingContinues(t *testing.T) {
	f := newFixture(t)
	s := f.openLive(t, "u1")

	s.errs <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionReconnecting }, waitFor, tick)
	f.clock.Add(time.Second)
	require.Eventually(t, func() bool { return f.svc.Status().Attempt == 2 }, waitFor, tick)
	f.clock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionClosed }, waitFor, tick)

	st := f.svc.Status()
	assert.True(t, st.Degraded)
	assert.Contains(t, st.LastWarning, "exhausted")

	calls := f.apis["u1"].listCalls()
	f.clock.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return f.apis["u1"].listCalls() > calls }, waitFor, tick)

	// opening again restarts the socket in the same session
	again := newSocket()
	f.dialer.queue(again)
	_, err := f.svc.Open(context.Background(), models.User{ID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionAuthenticating }, waitFor, tick)
	again.send(`{"type":"auth_success"}`)
	require.Eventually(t, func() bool { return !f.svc.Status().Degraded }, waitFor, tick)
}

func TestAuthRejectedIsSessionError(t *testing.T) {
	f := newFixture(t)
	s := newSocket()
	f.dialer.queue(s)
	_, err := f.svc.Open(context.Background(), models.User{ID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionAuthenticating }, waitFor, tick)

	s.send(`{"type":"auth_error"}`)
	require.Eventually(t, func() bool { return f.svc.Status().State == models.ConnectionClosed }, waitFor, tick)
	assert.Contains(t, f.svc.Status().SessionError, "authentication rejected")
	assert.False(t, f.svc.Status().Degraded)
}

func TestMarkReadIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	s := f.openLive(t, "u1")
	s.send(`{"type":"new_notification","notification":{"id":42,"type":"new_message","read":false}}`)
	require.Eventually(t, func() bool {
		st, _ := f.svc.Snapshot("u1")
		return len(st.Items) == 1
	}, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.svc.MarkRead(ctx, "u1", "42"))

	a := f.apis["u1"]
	a.mu.Lock()
	assert.Equal(t, []string{"42"}, a.markReads)
	a.mu.Unlock()
}

func TestMarkReadFailureSurfacesWarningAndResyncs(t *testing.T) {
	f := newFixture(t)
	s := f.openLive(t, "u1")
	a := f.apis["u1"]
	// both startup cycles answer before the arrival, so no follow-up poll is due
	require.Eventually(t, func() bool { return a.countCalls() == 2 && a.listCalls() == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	s.send(`{"type":"new_notification","notification":{"id":"42"}}`)
	require.Eventually(t, func() bool {
		st, _ := f.svc.Snapshot("u1")
		return len(st.Items) == 1
	}, waitFor, tick)

	a.mu.Lock()
	a.markErr = &repository.HTTPError{StatusCode: 503, Message: "unavailable"}
	a.mu.Unlock()

	err := f.svc.MarkRead(context.Background(), "u1", "42")
	require.ErrorIs(t, err, apperror.ErrMutationFailure)
	assert.Contains(t, f.svc.Status().LastWarning, "mutation failed")

	st, err := f.svc.Snapshot("u1")
	require.NoError(t, err)
	assert.True(t, st.Items[0].Read)
	require.Eventually(t, func() bool { return a.listCalls() == 3 }, waitFor, tick, "resync poll after failure")
}

func TestPermissionRequestNeedsSession(t *testing.T) {
	f := newFixture(t)
	prompt := delivery.PrompterFunc(func(context.Context) (models.Permission, error) {
		return models.PermissionGranted, nil
	})
	_, err := f.svc.RequestPermission(context.Background(), "u1", prompt)
	assert.ErrorIs(t, err, apperror.ErrNoSession)
	assert.ErrorIs(t, f.svc.SetVisibility("u1", false), apperror.ErrNoSession)

	f.openLive(t, "u1")
	got, err := f.svc.RequestPermission(context.Background(), "u1", prompt)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionGranted, got)
}
