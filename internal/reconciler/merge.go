package reconciler

import "github.com/stanstork/notifyd/internal/models"

// ApplyEvent merges a socket-delivered notification. It reports whether the
// notification was a new unread arrival.
func (s *Store) ApplyEvent(epoch Epoch, n models.Notification) bool {
	s.mu.Lock()
	if epoch != s.epoch || s.client == nil {
		s.mu.Unlock()
		return false
	}
	if !n.Validate() {
		s.mu.Unlock()
		return false
	}
	n = n.Clone()
	if _, ok := s.readIDs[n.ID]; ok {
		n.Read = true
	}

	var out outbox
	arrived := false
	if idx := s.indexLocked(n.ID); idx >= 0 {
		if n.Read && !s.items[idx].Read {
			s.items[idx].Read = true
			s.readIDs[n.ID] = struct{}{}
			s.adjustLocked(n.ID, -1)
			st := s.commitLocked()
			out.state = &st
		}
	} else if _, seen := s.seen[n.ID]; seen {
		// known but already trimmed out of the window
		if n.Read {
			s.readIDs[n.ID] = struct{}{}
		}
	} else {
		s.insertLocked(n)
		if n.Read {
			s.readIDs[n.ID] = struct{}{}
		} else {
			s.adjustLocked(n.ID, +1)
			arrived = true
			out.arrivals = []models.Notification{n.Clone()}
		}
		st := s.commitLocked()
		out.state = &st
	}
	s.unlockAndPublish(out)

	if arrived {
		s.logger.Debug().Str("notification_id", n.ID).Str("event_type", string(n.Type)).Msg("notification arrived")
	}
	return arrived
}

// BeginPoll records the point in the local history a poll was issued at.
func (s *Store) BeginPoll() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Ticket{Epoch: s.epoch, Seq: s.seq}
}

// ApplyPoll merges a poll result issued under t. Items the user has already
// marked read stay read, and an authoritative count is corrected for every
// local change the poll could not have seen.
func (s *Store) ApplyPoll(t Ticket, res PollResult) {
	s.mu.Lock()
	if t.Epoch != s.epoch || s.client == nil {
		s.mu.Unlock()
		return
	}

	changed := false
	var serverView map[string]bool
	if res.HasItems {
		serverView = make(map[string]bool, len(res.Items))
		for _, item := range res.Items {
			if !item.Validate() {
				continue
			}
			serverView[item.ID] = item.Read
			if s.mergePolledLocked(t, item.Clone()) {
				changed = true
			}
		}
	}
	var out outbox
	if res.HasCount {
		if count, uncertain, ok := s.correctCountLocked(t, res.Count, serverView); ok {
			if count != s.unread {
				changed = true
			}
			s.unread = count
			s.authoritative = true
			if uncertain {
				// a fresh count issued after those arrivals settles it
				out.resync = true
				out.epoch = t.Epoch
			}
		} else {
			s.logger.Debug().Uint64("ticket_seq", t.Seq).Msg("discarding unread count from a poll older than the delta log")
		}
	}

	if changed {
		st := s.commitLocked()
		out.state = &st
	}
	s.unlockAndPublish(out)
}

func (s *Store) mergePolledLocked(t Ticket, n models.Notification) bool {
	if _, ok := s.readIDs[n.ID]; ok {
		n.Read = true
	}
	if t.Seq < s.allReadSeq {
		n.Read = true
	}
	if n.Read {
		s.readIDs[n.ID] = struct{}{}
	}

	if idx := s.indexLocked(n.ID); idx >= 0 {
		if n.Read && !s.items[idx].Read {
			s.items[idx].Read = true
			if !s.authoritative && s.unread > 0 {
				s.unread--
			}
			return true
		}
		return false
	}
	if _, seen := s.seen[n.ID]; seen {
		return false
	}
	s.insertLocked(n)
	if !n.Read && !s.authoritative {
		s.unread++
	}
	return true
}

// correctCountLocked replays the count deltas the poll could not have
// observed on top of the server count. It reports false when the ticket
// predates the retained log. uncertain is set when a socket arrival had to be
// replayed over a count-only result: the server may or may not have counted
// it before answering.
func (s *Store) correctCountLocked(t Ticket, count int, serverView map[string]bool) (int, bool, bool) {
	if t.Seq < s.droppedSeq {
		return 0, false, false
	}
	uncertain := false
	for _, d := range s.deltas {
		after := d.seq > t.Seq
		pending := d.mutation && (d.settled == 0 || d.settled > t.Seq)
		if !after && !pending {
			continue
		}
		if d.reset {
			count = 0
			continue
		}
		if read, listed := serverView[d.id]; listed && d.id != "" {
			// the server already reflects this change
			if d.delta > 0 || read {
				continue
			}
		}
		if serverView == nil && !d.mutation && d.delta > 0 {
			uncertain = true
		}
		count += d.delta
		if count < 0 {
			count = 0
		}
	}
	if count < 0 {
		count = 0
	}
	return count, uncertain, true
}

// adjustLocked applies a socket-driven count change and records it for
// replay over later poll counts.
func (s *Store) adjustLocked(id string, delta int) {
	if delta < 0 && s.unread == 0 {
		return
	}
	s.unread += delta
	s.recordLocked(&countDelta{seq: s.nextSeqLocked(), id: id, delta: delta})
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked places n newest-first by CreatedAt, ahead of items with the
// same timestamp, and trims the list to MaxItems.
func (s *Store) insertLocked(n models.Notification) {
	s.seen[n.ID] = struct{}{}
	pos := len(s.items)
	for i := range s.items {
		if !s.items[i].CreatedAt.After(n.CreatedAt) {
			pos = i
			break
		}
	}
	s.items = append(s.items, models.Notification{})
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = n
	if len(s.items) > s.opts.MaxItems {
		for _, trimmed := range s.items[s.opts.MaxItems:] {
			if trimmed.Read {
				s.readIDs[trimmed.ID] = struct{}{}
			}
		}
		s.items = s.items[:s.opts.MaxItems]
	}
}
