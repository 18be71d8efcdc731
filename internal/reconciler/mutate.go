package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/stanstork/notifyd/internal/apperror"
)

// MarkRead marks id read locally right away and then asks the server to do
// the same. The local change is never rolled back; when the request keeps
// failing the error wraps apperror.ErrMutationFailure and a resync poll is
// requested. Repeating the call while a request for id is in flight or
// already confirmed does nothing.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: notification id is required", apperror.ErrBadRequest)
	}

	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return apperror.ErrNoSession
	}
	if _, ok := s.requested[id]; ok {
		s.mu.Unlock()
		return nil
	}
	epoch, client := s.epoch, s.client

	d := &countDelta{seq: s.nextSeqLocked(), id: id, mutation: true}
	s.requested[id] = d
	s.readIDs[id] = struct{}{}

	var out outbox
	if idx := s.indexLocked(id); idx >= 0 && !s.items[idx].Read {
		s.items[idx].Read = true
		if s.unread > 0 {
			s.unread--
			d.delta = -1
		}
		st := s.commitLocked()
		out.state = &st
	}
	s.recordLocked(d)
	s.unlockAndPublish(out)

	err := s.mutate(ctx, "mark_read", func(ctx context.Context) error {
		return client.MarkRead(ctx, id)
	})
	return s.settle(epoch, d, err, func() { delete(s.requested, id) }, "mark read "+id)
}

// MarkAllRead marks every item read and zeroes the unread count locally,
// then asks the server to do the same with the same failure policy as
// MarkRead.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return apperror.ErrNoSession
	}
	epoch, client := s.epoch, s.client

	d := &countDelta{seq: s.nextSeqLocked(), reset: true, mutation: true}
	s.allReadSeq = d.seq
	changed := s.unread != 0
	for i := range s.items {
		s.readIDs[s.items[i].ID] = struct{}{}
		if !s.items[i].Read {
			s.items[i].Read = true
			changed = true
		}
	}
	s.unread = 0
	s.recordLocked(d)

	var out outbox
	if changed {
		st := s.commitLocked()
		out.state = &st
	}
	s.unlockAndPublish(out)

	err := s.mutate(ctx, "mark_all_read", client.MarkAllRead)
	return s.settle(epoch, d, err, nil, "mark all read")
}

// settle records the outcome of a mutation. Outcomes for a finished epoch
// only produce the error.
func (s *Store) settle(epoch Epoch, d *countDelta, err error, onFailure func(), what string) error {
	s.mu.Lock()
	current := epoch == s.epoch
	if current {
		d.settled = s.nextSeqLocked()
		if err != nil && onFailure != nil {
			onFailure()
		}
	}
	if err == nil {
		s.mu.Unlock()
		return nil
	}

	wrapped := fmt.Errorf("%w: %s: %v", apperror.ErrMutationFailure, what, err)
	if !current {
		s.mu.Unlock()
		return wrapped
	}
	s.logger.Warn().Err(err).Str("operation", what).Msg("mutation failed after retries, requesting resync")
	s.unlockAndPublish(outbox{resync: true, epoch: epoch})
	return wrapped
}

func (s *Store) mutate(ctx context.Context, op string, fn func(context.Context) error) error {
	jitter := s.opts.RetryDelay / 2
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	return retry.Do(
		func() error {
			return fn(ctx)
		},
		retry.Attempts(uint(s.opts.Attempts)),
		retry.Delay(s.opts.RetryDelay),
		retry.MaxDelay(s.opts.RetryMaxDelay),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug().Err(err).Str("operation", op).Uint("attempt", n+1).Msg("retrying mutation")
		}),
		retry.RetryIf(Retryable),
	)
}

// Retryable reports whether a failed mutation is worth repeating. Errors
// that expose a Retryable method decide for themselves; context errors are
// final.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
