package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/propsquare/messaging-backend/internal/metrics"
	"github.com/propsquare/messaging-backend/internal/models"
	"github.com/propsquare/messaging-backend/internal/presence"
	"github.com/propsquare/messaging-backend/internal/retry"
	"github.com/propsquare/messaging-backend/pkg/logger"
)

// SessionState is the connection lifecycle: connecting -> authenticated ->
// active -> closed. An invalid credential goes straight to closed.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionAuthenticated
	SessionActive
	SessionClosed
)

// Authenticator verifies a connection credential and returns the user id
// it belongs to. The JWT layer implements this; tests substitute a func.
type Authenticator func(credential string) (userID string, err error)

// SessionConfig carries the transport tuning knobs.
type SessionConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	Retries      int
}

func (c *SessionConfig) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.Retries < 1 {
		c.Retries = 3
	}
}

const typingThrottle = 3 * time.Second

// Session is one live client connection. It registers the user with the
// presence registry on activation, relays client events to the
// coordinator, and drains the outbound queue into the socket.
type Session struct {
	handle string
	userID string

	conn        *websocket.Conn
	hub         *Hub
	registry    presence.Registry
	coordinator *Coordinator
	pusher      Pusher
	auth        Authenticator
	cfg         SessionConfig

	out       chan Event
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once

	// registered is false while the presence write is failing; the
	// connection then works in enqueue-only mode until a later attempt
	// succeeds.
	registered atomic.Bool

	lastTypingMu sync.Mutex
	lastTyping   time.Time
}

func NewSession(conn *websocket.Conn, hub *Hub, reg presence.Registry, coord *Coordinator, pusher Pusher, auth Authenticator, cfg SessionConfig) *Session {
	cfg.defaults()
	return &Session{
		handle:      uuid.NewString(),
		conn:        conn,
		hub:         hub,
		registry:    reg,
		coordinator: coord,
		pusher:      pusher,
		auth:        auth,
		cfg:         cfg,
		out:         make(chan Event, 256),
		done:        make(chan struct{}),
	}
}

func (s *Session) Handle() string { return s.handle }
func (s *Session) UserID() string { return s.userID }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Run drives the session until the connection dies. It blocks, so callers
// run it in the connection's own goroutine.
func (s *Session) Run(ctx context.Context, credential string) {
	defer s.Close()

	userID, err := s.auth(credential)
	if err != nil {
		logger.Warn().Err(err).Str("handle", s.handle).Msg("Socket connection rejected")
		s.state.Store(int32(SessionClosed))
		return
	}
	s.userID = userID
	s.state.Store(int32(SessionAuthenticated))

	s.activate(ctx)
	s.state.Store(int32(SessionActive))

	go s.writePump()
	s.readPump(ctx)
}

// activate makes the session reachable: local hub entry, shared registry
// entry, presence announcements, and replay of anything queued while the
// user was away.
func (s *Session) activate(ctx context.Context) {
	s.hub.Add(s)
	metrics.LiveConnections.Set(float64(s.hub.Len()))

	if err := s.tryRegister(ctx); err != nil {
		// The connection stays up; senders will enqueue until a later
		// registration attempt lands.
		logger.Warn().Err(err).Str("userId", s.userID).Msg("Presence registration failed, enqueue-only mode")
	} else {
		s.broadcastOnline(ctx)
	}

	s.sendSnapshot(ctx)

	if err := s.coordinator.Replay(ctx, s.userID); err != nil {
		logger.Error().Err(err).Str("userId", s.userID).Msg("Offline replay failed")
	}
}

func (s *Session) tryRegister(ctx context.Context) error {
	err := retry.Do(ctx, s.cfg.Retries, func() error {
		return s.registry.Register(ctx, s.userID, s.handle)
	})
	if err != nil {
		return err
	}
	s.registered.Store(true)
	return nil
}

func (s *Session) broadcastOnline(ctx context.Context) {
	evt := NewEvent(EventUserOnline, PresencePayload{UserID: s.userID, Online: true})
	if err := s.pusher.Broadcast(ctx, evt, s.userID); err != nil {
		logger.Debug().Err(err).Msg("Online broadcast failed")
	}
}

func (s *Session) sendSnapshot(ctx context.Context) {
	users, err := s.registry.OnlineUsers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Presence snapshot failed")
		return
	}
	s.Enqueue(NewEvent(EventInitialUsers, InitialUsersPayload{UserIDs: users}))
}

// Enqueue offers evt to the outbound queue without blocking. A full queue
// or a closed session drops the event; pushes are best-effort and history
// fetch covers any gap.
func (s *Session) Enqueue(evt Event) bool {
	if s.State() == SessionClosed {
		return false
	}
	select {
	case s.out <- evt:
		return true
	default:
		logger.Warn().Str("userId", s.userID).Str("event", evt.Name).Msg("Outbound queue full, dropping event")
		return false
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case evt := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(64 << 10)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.heartbeat(ctx)
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			logger.Debug().Err(err).Str("userId", s.userID).Msg("Dropping malformed client frame")
			continue
		}
		s.handleEvent(ctx, evt)
	}
}

// heartbeat refreshes the registry TTL on each transport pong, and retries
// registration while the session is in enqueue-only mode.
func (s *Session) heartbeat(ctx context.Context) {
	if !s.registered.Load() {
		if err := s.tryRegister(ctx); err == nil {
			s.broadcastOnline(ctx)
			// Catch up on anything queued while unregistered.
			if err := s.coordinator.Replay(ctx, s.userID); err != nil {
				logger.Error().Err(err).Str("userId", s.userID).Msg("Catch-up replay failed")
			}
		}
		return
	}
	if err := s.registry.Refresh(ctx, s.userID); err != nil {
		logger.Debug().Err(err).Str("userId", s.userID).Msg("Presence TTL refresh failed")
	}
}

func (s *Session) handleEvent(ctx context.Context, evt Event) {
	switch evt.Name {
	case EventTyping, EventStopTyping:
		var p TypingPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil || p.ReceiverID == "" {
			return
		}
		stop := evt.Name == EventStopTyping
		if !stop && s.typingThrottled() {
			return
		}
		s.coordinator.RelayTyping(ctx, s.userID, p.ReceiverID, stop)

	case EventMessageDelivered:
		s.handleAck(ctx, evt, models.StateDelivered)

	case EventMessageSeen:
		s.handleAck(ctx, evt, models.StateSeen)

	case EventPing:
		var p PingPayload
		_ = json.Unmarshal(evt.Data, &p)
		s.Enqueue(NewEvent(EventPong, PingPayload{Payload: p.Payload, ServerTime: time.Now()}))

	default:
		logger.Debug().Str("event", evt.Name).Str("userId", s.userID).Msg("Ignoring unknown client event")
	}
}

func (s *Session) handleAck(ctx context.Context, evt Event, target models.DeliveryState) {
	var p AckPayload
	if err := json.Unmarshal(evt.Data, &p); err != nil || p.MessageID == "" {
		return
	}

	_, err := s.coordinator.Acknowledge(ctx, s.userID, p.MessageID, target)
	if err != nil {
		// Invalid acks are logged and dropped; they never kill the
		// connection.
		logger.Warn().Err(err).
			Str("userId", s.userID).
			Str("messageId", p.MessageID).
			Str("target", string(target)).
			Msg("Rejected acknowledgement")
	}
}

func (s *Session) typingThrottled() bool {
	s.lastTypingMu.Lock()
	defer s.lastTypingMu.Unlock()
	if time.Since(s.lastTyping) < typingThrottle {
		return true
	}
	s.lastTyping = time.Now()
	return false
}

// Close runs the teardown path exactly once: deregister, local removal and
// the user-offline announcement when this was the last handle. Safe to
// call from any goroutine, including for connections that never
// authenticated.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		wasActive := s.State() == SessionActive
		s.state.Store(int32(SessionClosed))
		close(s.done)
		s.conn.Close()

		if !wasActive {
			return
		}

		s.hub.Remove(s)
		metrics.LiveConnections.Set(float64(s.hub.Len()))

		// The connection is gone, so teardown gets its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if !s.registered.Load() {
			return
		}

		var remaining int64
		err := retry.Do(ctx, s.cfg.Retries, func() error {
			var derr error
			remaining, derr = s.registry.Deregister(ctx, s.userID, s.handle)
			return derr
		})
		if err != nil {
			// The TTL on the registry entry is the fallback here.
			logger.Error().Err(err).Str("userId", s.userID).Msg("Presence deregistration failed")
			return
		}

		if remaining == 0 {
			lastSeen := time.Now()
			evt := NewEvent(EventUserOffline, PresencePayload{UserID: s.userID, LastSeen: &lastSeen})
			if err := s.pusher.Broadcast(ctx, evt, s.userID); err != nil {
				logger.Debug().Err(err).Msg("Offline broadcast failed")
			}
		}
	})
}
