package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/reconciler"
)

const (
	DefaultListInterval   = 2 * time.Minute
	DefaultCountInterval  = 2 * time.Minute
	DefaultRequestTimeout = 15 * time.Second
)

// Source is the read side of the notification API.
type Source interface {
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Sink receives poll results. *reconciler.Store satisfies it.
type Sink interface {
	BeginPoll() reconciler.Ticket
	ApplyPoll(t reconciler.Ticket, res reconciler.PollResult)
}

type PollerConfig struct {
	Source         Source
	Sink           Sink
	ListInterval   time.Duration
	CountInterval  time.Duration
	ListLimit      int
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         zerolog.Logger
}

// Poller keeps the list and unread-count queries running on their own
// cadences while a session is open.
type Poller struct {
	cfg     PollerConfig
	logger  zerolog.Logger
	trigger chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.ListInterval <= 0 {
		cfg.ListInterval = DefaultListInterval
	}
	if cfg.CountInterval <= 0 {
		cfg.CountInterval = DefaultCountInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Poller{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "poller").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// Start runs one full cycle immediately and then polls on both cadences
// until ctx is done or Stop is called. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	// tickers exist before Start returns so no tick can be missed
	listTicker := p.cfg.Clock.Ticker(p.cfg.ListInterval)
	countTicker := p.cfg.Clock.Ticker(p.cfg.CountInterval)
	go p.run(ctx, listTicker, countTicker, p.done)
}

// Stop halts polling and waits for the loop to exit. Requests in flight are
// cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// Trigger asks for an immediate full cycle. Triggers that arrive while one is
// already pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context, listTicker, countTicker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer listTicker.Stop()
	defer countTicker.Stop()

	p.logger.Debug().Dur("list_interval", p.cfg.ListInterval).Dur("count_interval", p.cfg.CountInterval).Msg("poller started")
	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Msg("poller stopped")
			return
		case <-listTicker.C:
			p.logIfFailed(p.pollList(ctx), "list")
		case <-countTicker.C:
			p.logIfFailed(p.pollCount(ctx), "unread_count")
		case <-p.trigger:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	p.logIfFailed(p.pollList(ctx), "list")
	p.logIfFailed(p.pollCount(ctx), "unread_count")
}

func (p *Poller) pollList(ctx context.Context) error {
	ticket := p.cfg.Sink.BeginPoll()
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	items, err := p.cfg.Source.ListRecent(reqCtx, p.cfg.ListLimit)
	if err != nil {
		return errors.Wrap(err, "poll notification list")
	}
	p.cfg.Sink.ApplyPoll(ticket, reconciler.PollResult{Items: items, HasItems: true})
	return nil
}

func (p *Poller) pollCount(ctx context.Context) error {
	ticket := p.cfg.Sink.BeginPoll()
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	count, err := p.cfg.Source.UnreadCount(reqCtx)
	if err != nil {
		return errors.Wrap(err, "poll unread count")
	}
	p.cfg.Sink.ApplyPoll(ticket, reconciler.PollResult{Count: count, HasCount: true})
	return nil
}

func (p *Poller) logIfFailed(err error, query string) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	p.logger.Warn().Err(err).Str("query", query).Msg("poll failed, will retry on next tick")
}
