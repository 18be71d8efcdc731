package router

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/fanout"
)

type Handler func(Message)

type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Malformed  uint64 `json:"malformed"`
	Ignored    uint64 `json:"ignored"`
}

// Router decodes inbound frames and fans them out to subscribers. It keeps no
// notification state of its own.
type Router struct {
	logger     zerolog.Logger
	subs       *fanout.Registry[Message]
	dispatched atomic.Uint64
	malformed  atomic.Uint64
	ignored    atomic.Uint64
}

func New(logger zerolog.Logger) *Router {
	r := &Router{
		logger: logger.With().Str("component", "event_router").Logger(),
	}
	r.subs = &fanout.Registry[Message]{
		PanicHandler: func(rec any) {
			r.logger.Error().Str("panic", fmt.Sprint(rec)).Msg("subscriber panicked during dispatch")
		},
	}
	return r
}

// Subscribe registers h for messages matching filter and returns the
// function that removes it.
func (r *Router) Subscribe(filter MessageType, h Handler) func() {
	return r.subs.Subscribe(func(m Message) bool {
		if filter == FilterAll {
			return m.Type != MessageUnknown
		}
		return m.Type == filter
	}, h)
}

// Dispatch decodes frame and delivers it synchronously. Malformed frames are
// logged, counted and returned as an error; they never reach subscribers.
func (r *Router) Dispatch(frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Warn().Err(err).Int("frame_bytes", len(frame)).Msg("dropping malformed frame")
		return err
	}
	delivered := r.subs.Publish(msg)
	if msg.Type == MessageUnknown {
		r.ignored.Add(1)
		r.logger.Debug().Str("wire_type", msg.WireType).Int("delivered", delivered).Msg("unknown frame type")
		return nil
	}
	r.dispatched.Add(1)
	r.logger.Debug().Str("message_type", string(msg.Type)).Int("delivered", delivered).Msg("frame dispatched")
	return nil
}

func (r *Router) Stats() Stats {
	return Stats{
		Dispatched: r.dispatched.Load(),
		Malformed:  r.malformed.Load(),
		Ignored:    r.ignored.Load(),
	}
}
