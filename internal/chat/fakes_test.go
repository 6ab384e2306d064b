package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/propsquare/messaging-backend/internal/models"
	"github.com/propsquare/messaging-backend/internal/store"
)

// In-memory collaborators for coordinator and session tests.

type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string]*models.Message
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string]*models.Message)}
}

func (f *fakeStore) Create(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *msg
	f.msgs[msg.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateState(ctx context.Context, id string, state models.DeliveryState, at time.Time) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if m.State.Rank() >= state.Rank() {
		cp := *m
		return &cp, nil
	}

	m.State = state
	switch state {
	case models.StateDelivered:
		if m.DeliveredAt == nil {
			t := at
			m.DeliveredAt = &t
		}
	case models.StateSeen:
		if m.DeliveredAt == nil {
			t := at
			m.DeliveredAt = &t
		}
		if m.SeenAt == nil {
			t := at
			m.SeenAt = &t
		}
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) FindByPair(ctx context.Context, userA, userB string, skip, limit int64) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Message
	for _, m := range f.msgs {
		if (m.SenderID == userA && m.ReceiverID == userB) || (m.SenderID == userB && m.ReceiverID == userA) {
			cp := *m
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeStore) FindByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*models.Message
	for _, id := range ids {
		if m, ok := f.msgs[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return nil, nil
}

func (f *fakeStore) state(id string) models.DeliveryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok {
		return m.State
	}
	return ""
}

type fakeRegistry struct {
	mu       sync.Mutex
	handles  map[string][]string
	lastSeen map[string]time.Time
	failing  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		handles:  make(map[string][]string),
		lastSeen: make(map[string]time.Time),
	}
}

var errRegistryDown = errors.New("registry unavailable")

func (f *fakeRegistry) Register(ctx context.Context, userID, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errRegistryDown
	}
	for _, h := range f.handles[userID] {
		if h == handle {
			return nil
		}
	}
	f.handles[userID] = append(f.handles[userID], handle)
	return nil
}

func (f *fakeRegistry) Deregister(ctx context.Context, userID, handle string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, errRegistryDown
	}
	remaining := f.handles[userID][:0]
	for _, h := range f.handles[userID] {
		if h != handle {
			remaining = append(remaining, h)
		}
	}
	f.handles[userID] = remaining
	if len(remaining) == 0 {
		delete(f.handles, userID)
		f.lastSeen[userID] = time.Now()
	}
	return int64(len(remaining)), nil
}

func (f *fakeRegistry) Resolve(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errRegistryDown
	}
	return append([]string(nil), f.handles[userID]...), nil
}

func (f *fakeRegistry) Refresh(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errRegistryDown
	}
	return nil
}

func (f *fakeRegistry) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *fakeRegistry) OnlineUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errRegistryDown
	}
	var users []string
	for u := range f.handles {
		users = append(users, u)
	}
	return users, nil
}

func (f *fakeRegistry) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.lastSeen[userID]
	return t, ok, nil
}

func (f *fakeRegistry) online(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles[userID]) > 0
}

type fakeQueue struct {
	mu     sync.Mutex
	lists  map[string][]string
	failed bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{lists: make(map[string][]string)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, receiverID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("queue unavailable")
	}
	f.lists[receiverID] = append(f.lists[receiverID], messageID)
	return nil
}

func (f *fakeQueue) Drain(ctx context.Context, receiverID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return nil, errors.New("queue unavailable")
	}
	ids := f.lists[receiverID]
	delete(f.lists, receiverID)
	return ids, nil
}

func (f *fakeQueue) Len(ctx context.Context, receiverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[receiverID])), nil
}

type pushRecord struct {
	UserID string
	Event  Event
}

type fakePusher struct {
	mu        sync.Mutex
	pushes    []pushRecord
	broadcast []Event
	pushErr   error
}

func newFakePusher() *fakePusher {
	return &fakePusher{}
}

func (f *fakePusher) Push(ctx context.Context, userID string, evt Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, pushRecord{UserID: userID, Event: evt})
	return nil
}

func (f *fakePusher) Broadcast(ctx context.Context, evt Event, skipUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, evt)
	return nil
}

func (f *fakePusher) pushed(userID, event string) []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pushRecord
	for _, p := range f.pushes {
		if p.UserID == userID && p.Event.Name == event {
			out = append(out, p)
		}
	}
	return out
}

// localPusher wires pushes straight into a hub, standing in for the Redis
// relay in session tests.
type localPusher struct {
	hub *Hub
}

func (p *localPusher) Push(ctx context.Context, userID string, evt Event) error {
	p.hub.PushLocal(userID, evt)
	return nil
}

func (p *localPusher) Broadcast(ctx context.Context, evt Event, skipUserID string) error {
	p.hub.BroadcastLocal(evt, skipUserID)
	return nil
}
