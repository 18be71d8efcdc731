package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/session"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 64
)

type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type streamClient struct {
	userID string
	send   chan []byte

	mu    sync.Mutex
	ready bool
	// broadcasts that arrive before the initial events are queued
	backlog [][]byte
}

func (c *streamClient) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		if len(c.backlog) >= streamBuffer {
			return false
		}
		c.backlog = append(c.backlog, data)
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// start queues initial ahead of everything broadcast since registration.
func (c *streamClient) start(initial [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, data := range append(initial, c.backlog...) {
		select {
		case c.send <- data:
		default:
		}
	}
	c.backlog = nil
	c.ready = true
}

// StreamHub pushes session events to connected UI consumers over WebSocket.
// It is the delivery.Broadcaster of the running process.
type StreamHub struct {
	upgrader websocket.Upgrader
	owner    func() string
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

var _ delivery.Broadcaster = (*StreamHub)(nil)

// NewStreamHub accepts upgrades from allowedOrigins; an empty list allows any
// origin.
func NewStreamHub(allowedOrigins []string, logger zerolog.Logger) *StreamHub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger:  logger.With().Str("component", "stream").Logger(),
		clients: make(map[*streamClient]struct{}),
	}
}

// SetOwner restricts broadcasts to clients of the user owner returns. Until
// it is set every client receives every event.
func (h *StreamHub) SetOwner(owner func() string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = owner
}

// Broadcast never blocks: a client that cannot keep up loses the event.
func (h *StreamHub) Broadcast(_ context.Context, event delivery.Event) error {
	data, err := json.Marshal(envelope{Type: event.Topic, Data: event.Payload})
	if err != nil {
		return err
	}

	h.mu.Lock()
	owner := h.owner
	targets := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var userID string
	filter := owner != nil
	if filter {
		userID = owner()
	}
	for _, c := range targets {
		if filter && c.userID != userID {
			continue
		}
		if !c.offer(data) {
			h.logger.Warn().Str("user_id", c.userID).Str("topic", event.Topic).Msg("stream client lagging, event dropped")
		}
	}
	return nil
}

func (h *StreamHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request and streams events until the client goes away.
// initial runs once the client is registered and its events are written
// before any broadcast. A broadcast racing the connect is delivered after
// them, so a state event may repeat one the initial events already cover;
// consumers keep the highest Version.
func (h *StreamHub) Serve(w http.ResponseWriter, r *http.Request, userID string, initial func() []delivery.Event) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("stream upgrade failed")
		return
	}

	c := &streamClient{userID: userID, send: make(chan []byte, 2*streamBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	var queued [][]byte
	if initial != nil {
		for _, e := range initial() {
			data, err := json.Marshal(envelope{Type: e.Topic, Data: e.Payload})
			if err != nil {
				continue
			}
			queued = append(queued, data)
		}
	}
	c.start(queued)
	h.logger.Debug().Str("user_id", userID).Msg("stream client connected")

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, c, done)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Debug().Str("user_id", userID).Msg("stream client disconnected")
}

// readPump only watches for the client going away and answers pings.
func (h *StreamHub) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(conn *websocket.Conn, c *streamClient, done chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StreamHandler serves GET /api/stream. New clients first receive the
// current status and, when the caller owns the session, the current state.
type StreamHandler struct {
	hub      *StreamHub
	sessions Sessions
}

func NewStreamHandler(hub *StreamHub, sessions Sessions) *StreamHandler {
	return &StreamHandler{hub: hub, sessions: sessions}
}

func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.UserIDFromRequest(r)
	if !ok {
		http.Error(w, "Missing user context", http.StatusUnauthorized)
		return
	}
	h.hub.Serve(w, r, userID, func() []delivery.Event {
		var initial []delivery.Event
		if st := h.sessions.Status(); st.UserID == userID {
			initial = append(initial, delivery.Event{Topic: session.TopicStatus, Payload: st})
			if snap, err := h.sessions.Snapshot(userID); err == nil {
				initial = append(initial, delivery.Event{Topic: session.TopicState, Payload: snap})
			}
		}
		return initial
	})
}
