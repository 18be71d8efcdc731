// Package reconciler owns the notification state of one session. Socket
// events, poll results and local mark-read actions are merged here into a
// single deduplicated list and unread count.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/fanout"
	"github.com/stanstork/notifyd/internal/models"
)

const (
	DefaultMaxItems = 50
	// maxDeltas bounds the count-delta log. A poll ticket older than the
	// retained log gets its count ignored.
	maxDeltas = 256
)

// Client issues the mutation requests behind MarkRead and MarkAllRead.
// Both calls must be idempotent on the server.
type Client interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
}

// Epoch identifies one session's lifetime inside the store. Inputs carrying
// an epoch that is no longer current are dropped.
type Epoch uint64

// Ticket is taken before a poll is issued and handed back with its result.
type Ticket struct {
	Epoch Epoch
	Seq   uint64
}

// PollResult carries whichever of the two poll queries completed.
type PollResult struct {
	Items    []models.Notification
	HasItems bool
	Count    int
	HasCount bool
}

// State is an immutable snapshot of the reconciled notification state.
type State struct {
	UserID      string                `json:"user_id"`
	Items       []models.Notification `json:"items"`
	UnreadCount int                   `json:"unread_count"`
	Version     uint64                `json:"version"`
}

type Options struct {
	MaxItems      int
	Attempts      int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	Logger        zerolog.Logger
}

type countDelta struct {
	seq   uint64
	id    string
	delta int
	reset bool
	// mutation deltas stay replayable until the server has answered.
	mutation bool
	settled  uint64
}

type Store struct {
	opts   Options
	logger zerolog.Logger

	changes  fanout.Registry[State]
	arrivals fanout.Registry[models.Notification]
	resync   fanout.Registry[Epoch]

	mu sync.Mutex
	// pending holds committed changes not yet delivered, in commit order.
	// Whoever finds draining unset delivers the queue without holding mu.
	pending  []outbox
	draining bool

	epoch         Epoch
	userID        string
	client        Client
	items         []models.Notification
	seen          map[string]struct{}
	readIDs       map[string]struct{}
	requested     map[string]*countDelta
	unread        int
	authoritative bool
	seq           uint64
	allReadSeq    uint64
	deltas        []*countDelta
	droppedSeq    uint64
	version       uint64
}

func NewStore(opts Options) *Store {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryDelay {
		opts.RetryMaxDelay = 10 * opts.RetryDelay
	}
	s := &Store{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "reconciler").Logger(),
	}
	s.resetLocked()
	return s
}

// Begin starts a new epoch for userID and clears any previous state.
func (s *Store) Begin(userID string, client Client) Epoch {
	s.mu.Lock()
	s.epoch++
	s.resetLocked()
	s.userID = userID
	s.client = client
	epoch := s.epoch
	st := s.commitLocked()
	s.unlockAndPublish(outbox{state: &st})
	s.logger.Debug().Str("user_id", userID).Uint64("epoch", uint64(epoch)).Msg("reconciler epoch started")
	return epoch
}

// End clears the state. Completions still in flight for the old epoch are
// ignored when they land.
func (s *Store) End() {
	s.mu.Lock()
	s.epoch++
	s.resetLocked()
	st := s.commitLocked()
	s.unlockAndPublish(outbox{state: &st})
}

func (s *Store) Epoch() Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn for state changes. Subscribers run in version order,
// one at a time, without any Store lock held: they may call Snapshot and the
// other Store methods. Changes made from inside a subscriber are delivered
// after it returns.
func (s *Store) Subscribe(fn func(State)) func() {
	return s.changes.Subscribe(nil, fn)
}

// SubscribeArrivals registers fn for notifications that arrived over the
// socket and were neither known nor read. Poll results never show up here.
func (s *Store) SubscribeArrivals(fn func(models.Notification)) func() {
	return s.arrivals.Subscribe(nil, fn)
}

// SubscribeResync registers fn to be told that a reconciling poll is needed,
// currently after a mutation exhausted its retries.
func (s *Store) SubscribeResync(fn func(Epoch)) func() {
	return s.resync.Subscribe(nil, fn)
}

func (s *Store) resetLocked() {
	s.userID = ""
	s.client = nil
	s.items = nil
	s.seen = make(map[string]struct{})
	s.readIDs = make(map[string]struct{})
	s.requested = make(map[string]*countDelta)
	s.unread = 0
	s.authoritative = false
	s.allReadSeq = 0
	s.deltas = nil
	s.droppedSeq = s.seq
}

func (s *Store) snapshotLocked() State {
	items := make([]models.Notification, len(s.items))
	for i := range s.items {
		items[i] = s.items[i].Clone()
	}
	return State{
		UserID:      s.userID,
		Items:       items,
		UnreadCount: s.unread,
		Version:     s.version,
	}
}

func (s *Store) commitLocked() State {
	s.version++
	return s.snapshotLocked()
}

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) recordLocked(d *countDelta) {
	s.deltas = append(s.deltas, d)
	if len(s.deltas) > maxDeltas {
		drop := len(s.deltas) - maxDeltas
		s.droppedSeq = s.deltas[drop-1].seq
		s.deltas = append([]*countDelta(nil), s.deltas[drop:]...)
	}
}

type outbox struct {
	state    *State
	arrivals []models.Notification
	resync   bool
	epoch    Epoch
}

// unlockAndPublish queues out and releases mu. It must be called with mu
// held. The first caller to find the queue idle delivers everything queued,
// including changes committed by other goroutines meanwhile, so subscribers
// see changes in commit order.
func (s *Store) unlockAndPublish(out outbox) {
	if out.state != nil || len(out.arrivals) > 0 || out.resync {
		s.pending = append(s.pending, out)
	}
	if s.draining || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.drain()
}

func (s *Store) drain() {
	defer func() {
		if rec := recover(); rec != nil {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			panic(rec)
		}
	}()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.pending = nil
			s.mu.Unlock()
			return
		}
		out := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if out.state != nil {
			s.changes.Publish(*out.state)
		}
		for _, n := range out.arrivals {
			s.arrivals.Publish(n)
		}
		if out.resync {
			s.resync.Publish(out.epoch)
		}
	}
}
