// Package connection owns the realtime transport for one notification
// session: the auth handshake, liveness and reconnection with capped
// exponential backoff.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/apperror"
	"github.com/stanstork/notifyd/internal/fanout"
	"github.com/stanstork/notifyd/internal/models"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultAuthTimeout  = 10 * time.Second
)

// FrameHandler receives every frame read while the connection is live, in
// wire order.
type FrameHandler func(frame []byte)

type Options struct {
	URL          string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	AuthTimeout  time.Duration
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// StateChange describes one transition. Delay is set when a reconnect is
// scheduled; Err carries the reason for reconnecting, disconnecting or closing.
type StateChange struct {
	From    models.ConnectionState
	To      models.ConnectionState
	Attempt int
	Delay   time.Duration
	Err     error
	At      time.Time
}

type authFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Manager keeps at most one logical connection open per session.
type Manager struct {
	opts    Options
	dialer  Dialer
	clock   clock.Clock
	logger  zerolog.Logger
	onFrame FrameHandler
	changes fanout.Registry[StateChange]

	mu             sync.Mutex
	state          models.ConnectionState
	userID         string
	attempt        int
	gen            uint64
	conn           Conn
	cancelDial     context.CancelFunc
	reconnectTimer *clock.Timer
	authTimer      *clock.Timer
}

func NewManager(dialer Dialer, opts Options, onFrame FrameHandler) *Manager {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if onFrame == nil {
		onFrame = func([]byte) {}
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		clock:   opts.Clock,
		logger:  opts.Logger.With().Str("component", "connection_manager").Logger(),
		onFrame: onFrame,
		state:   models.ConnectionDisconnected,
	}
}

// Backoff returns min(initial * 2^(attempt-1), max) for attempt >= 1.
func Backoff(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// OnStateChange registers an observer. Observers run synchronously, in
// transition order, while the transition is being applied: they must not
// block or call back into the Manager.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.changes.Subscribe(nil, fn)
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Open starts connecting for userID. It is a no-op while a connection or a
// pending reconnect already exists.
func (m *Manager) Open(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Active() {
		if userID != m.userID {
			m.logger.Warn().Str("user_id", userID).Str("current_user_id", m.userID).Msg("open ignored: connection owned by another user")
		}
		return nil
	}
	m.userID = userID
	m.attempt = 0
	m.connectLocked()
	return nil
}

// Close tears the connection down with a normal close code and cancels any
// pending reconnect. No reconnect is ever scheduled after Close.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.stopTimersLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(websocket.CloseNormalClosure, "client closing")
		m.conn = nil
	}
	m.attempt = 0
	if m.state != models.ConnectionClosed {
		m.setStateLocked(models.ConnectionClosed, 0, nil)
	}
}

func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(models.ConnectionConnecting, 0, nil)
	go m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	conn, err := m.dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.dropLocked(fmt.Errorf("%w: %v", apperror.ErrTransport, err))
		return
	}
	if err := conn.WriteJSON(authFrame{Type: "auth", UserID: m.userID}); err != nil {
		_ = conn.Close(websocket.CloseAbnormalClosure, "auth write failed")
		m.dropLocked(fmt.Errorf("%w: send auth frame: %v", apperror.ErrTransport, err))
		return
	}
	m.conn = conn
	m.authTimer = m.clock.AfterFunc(m.opts.AuthTimeout, func() { m.authTimedOut(gen) })
	m.setStateLocked(models.ConnectionAuthenticating, 0, nil)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}
		if !m.handleFrame(gen, data) {
			return
		}
	}
}

// handleFrame reports whether the read loop should keep going.
func (m *Manager) handleFrame(gen uint64, data []byte) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	switch m.state {
	case models.ConnectionAuthenticating:
		switch peekType(data) {
		case "auth_success":
			m.stopAuthTimerLocked()
			m.attempt = 0
			m.setStateLocked(models.ConnectionLive, 0, nil)
			m.mu.Unlock()
			m.onFrame(data)
			return true
		case "auth_error", "auth_failed", "auth_rejected":
			m.rejectLocked()
			m.mu.Unlock()
			return false
		default:
			m.logger.Debug().Msg("discarding frame received before auth_success")
			m.mu.Unlock()
			return true
		}
	case models.ConnectionLive:
		m.mu.Unlock()
		m.onFrame(data)
		return true
	default:
		m.mu.Unlock()
		return true
	}
}

func (m *Manager) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.stopAuthTimerLocked()
	if m.conn != nil {
		_ = m.conn.Close(websocket.CloseNormalClosure, "")
		m.conn = nil
	}
	if code := closeCode(err); code == websocket.CloseNormalClosure {
		m.gen++
		m.attempt = 0
		m.setStateLocked(models.ConnectionDisconnected, 0, err)
		return
	}
	m.dropLocked(fmt.Errorf("%w: %v", apperror.ErrTransport, err))
}

func (m *Manager) authTimedOut(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != models.ConnectionAuthenticating {
		return
	}
	m.authTimer = nil
	if m.conn != nil {
		_ = m.conn.Close(websocket.ClosePolicyViolation, "auth timeout")
		m.conn = nil
	}
	m.dropLocked(fmt.Errorf("%w: no auth_success within %s", apperror.ErrTransport, m.opts.AuthTimeout))
}

// dropLocked handles an abnormal loss of the current attempt: schedule the
// next attempt or give up once the budget is spent.
func (m *Manager) dropLocked(cause error) {
	m.gen++
	m.stopTimersLocked()
	m.attempt++
	if m.attempt > m.opts.MaxAttempts {
		err := fmt.Errorf("%w after %d attempts: %v", apperror.ErrConnectionExhausted, m.opts.MaxAttempts, cause)
		m.logger.Error().Err(err).Str("user_id", m.userID).Msg("giving up on realtime connection")
		m.setStateLocked(models.ConnectionClosed, 0, err)
		return
	}
	delay := Backoff(m.attempt, m.opts.InitialDelay, m.opts.MaxDelay)
	gen := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.logger.Info().Err(cause).Int("attempt", m.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	m.setStateLocked(models.ConnectionReconnecting, delay, cause)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != models.ConnectionReconnecting {
		return
	}
	m.reconnectTimer = nil
	m.connectLocked()
}

func (m *Manager) rejectLocked() {
	m.gen++
	m.stopTimersLocked()
	if m.conn != nil {
		_ = m.conn.Close(websocket.CloseNormalClosure, "auth rejected")
		m.conn = nil
	}
	m.attempt = 0
	err := fmt.Errorf("%w for user %s", apperror.ErrAuthRejected, m.userID)
	m.logger.Error().Err(err).Msg("realtime auth rejected")
	m.setStateLocked(models.ConnectionClosed, 0, err)
}

func (m *Manager) stopAuthTimerLocked() {
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
}

func (m *Manager) stopTimersLocked() {
	m.stopAuthTimerLocked()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(to models.ConnectionState, delay time.Duration, err error) {
	from := m.state
	m.state = to
	change := StateChange{
		From:    from,
		To:      to,
		Attempt: m.attempt,
		Delay:   delay,
		Err:     err,
		At:      m.clock.Now(),
	}
	m.logger.Debug().Str("from", string(from)).Str("state", string(to)).Int("attempt", m.attempt).Msg("connection state changed")
	m.changes.Publish(change)
}

func peekType(frame []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return ""
	}
	return head.Type
}
