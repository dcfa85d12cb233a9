package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"studybuddy/internal/engine"
	"studybuddy/internal/hub"
	"studybuddy/internal/identity"
	"studybuddy/pkg/types"
)

// Event types pushed to clients.
const (
	EventRequests    = "requests"
	EventPending     = "pending"
	EventConnections = "connections"
	EventUnread      = "unread"
	EventMessage     = "message"
	EventIdentified  = "identified"
	EventPong        = "pong"
	EventError       = "error"
)

// Frame types sent by clients.
const (
	FrameSubscribeMessages   = "subscribe_messages"
	FrameUnsubscribeMessages = "unsubscribe_messages"
	FrameIdentify            = "identify"
	FramePing                = "ping"
)

// Event is one push to a client.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Frame is one client request.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// Options tunes connection handling.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultOptions returns a 30s ping with a 60s read deadline.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   100,
	}
}

var upgrader = websocket.Upgrader{
	// Origins are enforced by the CORS layer in front of the API.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades /ws requests and streams engine subscriptions to the client.
type Handler struct {
	engine   *engine.Engine
	registry *Registry
	opts     Options
}

// NewHandler creates a websocket handler.
func NewHandler(e *engine.Engine, registry *Registry, opts Options) *Handler {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	return &Handler{engine: e, registry: registry, opts: opts}
}

// peer is the per-connection state owned by the read loop.
type peer struct {
	conn     *Connection
	provider *identity.Switchable
	client   *engine.Client
	streams  map[string]*hub.Subscription
}

// HandleWebSocket validates user_id, upgrades, and serves the connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, userID, h.opts.BufferSize, h.opts.WriteTimeout)
	provider, err := identity.NewSignedIn(userID)
	if err != nil {
		_ = conn.Close()
		return
	}
	p := &peer{conn: conn, provider: provider, streams: make(map[string]*hub.Subscription)}
	p.client = h.engine.NewClient(provider, h.watchers(conn))

	if err := h.registry.RegisterConnection(conn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = conn.Close()
		return
	}
	if err := p.client.Start(); err != nil {
		log.Printf("Failed to open subscriptions for %s: %v", userID, err)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		return
	}
	h.markOnline(conn)
	log.Printf("WebSocket connected: user=%s conn=%s", userID, conn.ID())

	go h.handleConnection(p)
}

// watchers push every standing subscription to conn. They run on the hub
// loop; a full or closed connection drops the event.
func (h *Handler) watchers(conn *Connection) engine.Watchers {
	push := func(ev Event) {
		ev.Timestamp = time.Now().UTC()
		if err := conn.WriteJSON(ev); err != nil && err != ErrConnectionClosed {
			log.Printf("Push %s to %s failed: %v", ev.Type, conn.ID(), err)
		}
	}
	return engine.Watchers{
		PendingReceived: func(userID string, entries []types.RequestEntry, err error) {
			if err != nil {
				push(Event{Type: EventError, UserID: userID, Error: err.Error()})
				return
			}
			if entries == nil {
				entries = []types.RequestEntry{}
			}
			push(Event{Type: EventRequests, UserID: userID, Payload: entries})
		},
		PendingCount: func(userID string, n int, err error) {
			if err != nil {
				push(Event{Type: EventError, UserID: userID, Error: err.Error()})
				return
			}
			push(Event{Type: EventPending, UserID: userID, Payload: n})
		},
		Connections: func(userID string, profiles []types.Profile, err error) {
			if err != nil {
				push(Event{Type: EventError, UserID: userID, Error: err.Error()})
				return
			}
			push(Event{Type: EventConnections, UserID: userID, Payload: profiles})
		},
		UnreadCount: func(userID string, n int, err error) {
			if err != nil {
				push(Event{Type: EventError, UserID: userID, Error: err.Error()})
				return
			}
			push(Event{Type: EventUnread, UserID: userID, Payload: n})
		},
	}
}

func (h *Handler) markOnline(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.engine.MarkOnline(ctx, conn.GetUserID(), conn.ID()); err != nil {
		log.Printf("Presence update failed for %s: %v", conn.GetUserID(), err)
	}
}

func (h *Handler) markOffline(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.engine.MarkOffline(ctx, conn.GetUserID(), conn.ID()); err != nil {
		log.Printf("Presence update failed for %s: %v", conn.GetUserID(), err)
	}
}

// handleConnection runs the heartbeat and the read loop until the client leaves.
func (h *Handler) handleConnection(p *peer) {
	conn := p.conn
	defer func() {
		p.client.Stop()
		h.markOffline(conn)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		log.Printf("WebSocket disconnected: user=%s conn=%s", conn.GetUserID(), conn.ID())
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		h.markOnline(conn)
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(conn, Event{Type: EventError, Error: ErrInvalidJSON.Error()})
			continue
		}
		if err := h.handleFrame(p, frame); err != nil {
			h.reply(conn, Event{Type: EventError, Channel: frame.Channel, Error: err.Error()})
		}
	}
}

func (h *Handler) reply(conn *Connection, ev Event) {
	ev.Timestamp = time.Now().UTC()
	if err := conn.WriteJSON(ev); err != nil {
		log.Printf("Reply %s to %s failed: %v", ev.Type, conn.ID(), err)
	}
}

func (h *Handler) handleFrame(p *peer, frame Frame) error {
	switch frame.Type {
	case FrameSubscribeMessages:
		return h.subscribeMessages(p, frame.Channel)

	case FrameUnsubscribeMessages:
		if frame.Channel == "" {
			return ErrMissingChannel
		}
		sub, ok := p.streams[frame.Channel]
		if !ok {
			return ErrNotSubscribed
		}
		delete(p.streams, frame.Channel)
		p.client.Release(sub)
		return nil

	case FrameIdentify:
		return h.identify(p, frame.UserID)

	case FramePing:
		h.markOnline(p.conn)
		h.reply(p.conn, Event{Type: EventPong, UserID: p.conn.GetUserID()})
		return nil

	default:
		return ErrUnknownFrame
	}
}

func (h *Handler) subscribeMessages(p *peer, key string) error {
	if key == "" {
		return ErrMissingChannel
	}
	if sub, ok := p.streams[key]; ok && sub.Active() {
		return ErrAlreadyStreaming
	}

	conn := p.conn
	sub, err := p.client.SubscribeMessages(key, func(msgs []types.Message, err error) {
		ev := Event{Type: EventMessage, Channel: key, Payload: msgs, Timestamp: time.Now().UTC()}
		if err != nil {
			ev = Event{Type: EventError, Channel: key, Error: err.Error(), Timestamp: time.Now().UTC()}
		}
		if werr := conn.WriteJSON(ev); werr != nil && werr != ErrConnectionClosed {
			log.Printf("Push messages of %s to %s failed: %v", key, conn.ID(), werr)
		}
	})
	if err != nil {
		return err
	}
	p.streams[key] = sub
	return nil
}

// identify switches the connection to another user. The identity change
// tears down every stream of the previous user before the new user's
// standing subscriptions open.
func (h *Handler) identify(p *peer, userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	if userID == p.conn.GetUserID() {
		h.reply(p.conn, Event{Type: EventIdentified, UserID: userID})
		return nil
	}

	h.markOffline(p.conn)
	if err := h.registry.Rebind(p.conn, userID); err != nil {
		return err
	}
	p.streams = make(map[string]*hub.Subscription)
	// Queued ahead of the new user's first pushes.
	h.reply(p.conn, Event{Type: EventIdentified, UserID: userID})
	if err := p.provider.SignIn(userID); err != nil {
		return err
	}
	h.markOnline(p.conn)
	log.Printf("WebSocket identified: conn=%s user=%s", p.conn.ID(), userID)
	return nil
}
