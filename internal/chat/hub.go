package chat

import (
	"sync"
)

// Hub is the process-local table of live sessions. It is a delivery table
// only: the fan-out decision always goes through the shared presence
// registry, never through this map.
type Hub struct {
	mu       sync.RWMutex
	byHandle map[string]*Session
	byUser   map[string]map[string]*Session
}

func NewHub() *Hub {
	return &Hub{
		byHandle: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.byHandle[s.Handle()] = s
	sessions := h.byUser[s.UserID()]
	if sessions == nil {
		sessions = make(map[string]*Session)
		h.byUser[s.UserID()] = sessions
	}
	sessions[s.Handle()] = s
}

func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.byHandle, s.Handle())
	if sessions := h.byUser[s.UserID()]; sessions != nil {
		delete(sessions, s.Handle())
		if len(sessions) == 0 {
			delete(h.byUser, s.UserID())
		}
	}
}

func (h *Hub) Get(handle string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byHandle[handle]
	return s, ok
}

// SessionsFor returns the local sessions of one user. Remote sessions are
// reached via the pusher, not through here.
func (h *Hub) SessionsFor(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		sessions = append(sessions, s)
	}
	return sessions
}

// All returns every local session.
func (h *Hub) All() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]*Session, 0, len(h.byHandle))
	for _, s := range h.byHandle {
		sessions = append(sessions, s)
	}
	return sessions
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byHandle)
}

// PushLocal enqueues evt on every local session of userID and reports how
// many sessions accepted it.
func (h *Hub) PushLocal(userID string, evt Event) int {
	delivered := 0
	for _, s := range h.SessionsFor(userID) {
		if s.Enqueue(evt) {
			delivered++
		}
	}
	return delivered
}

// BroadcastLocal enqueues evt on every local session except those owned by
// skipUserID (a user does not need their own presence announcements).
func (h *Hub) BroadcastLocal(evt Event, skipUserID string) {
	for _, s := range h.All() {
		if s.UserID() == skipUserID {
			continue
		}
		s.Enqueue(evt)
	}
}
