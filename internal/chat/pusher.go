package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/propsquare/messaging-backend/pkg/logger"
)

// Pusher delivers an event toward all live connections of one user, or to
// every connected peer, wherever those connections live. Pushes are
// fire-and-forget: only the message store write is authoritative, so no
// state transition waits on a push confirmation.
type Pusher interface {
	// Push sends evt to every live connection of userID.
	Push(ctx context.Context, userID string, evt Event) error

	// Broadcast sends evt to all connected peers except skipUserID's own
	// connections.
	Broadcast(ctx context.Context, evt Event, skipUserID string) error
}

const (
	userChannelPrefix = "events:user:"
	broadcastChannel  = "events:broadcast"
)

type broadcastFrame struct {
	Event      Event  `json:"event"`
	SkipUserID string `json:"skipUserId,omitempty"`
}

// RedisPusher publishes events over Redis pub/sub so a receiver connected
// to a different server process still gets the push. Each process runs a
// Relay that forwards published events to its local sessions.
type RedisPusher struct {
	client *redis.Client
}

func NewRedisPusher(client *redis.Client) *RedisPusher {
	return &RedisPusher{client: client}
}

func (p *RedisPusher) Push(ctx context.Context, userID string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, userChannelPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *RedisPusher) Broadcast(ctx context.Context, evt Event, skipUserID string) error {
	payload, err := json.Marshal(broadcastFrame{Event: evt, SkipUserID: skipUserID})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := p.client.Publish(ctx, broadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Relay subscribes to the event channels and forwards published events to
// this process's local sessions.
type Relay struct {
	client *redis.Client
	hub    *Hub
}

func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub}
}

// Run blocks until ctx is cancelled. Call it in its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	ps := r.client.PSubscribe(ctx, userChannelPrefix+"*")
	defer ps.Close()
	if err := ps.Subscribe(ctx, broadcastChannel); err != nil {
		logger.Error().Err(err).Msg("Failed to subscribe broadcast channel")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			r.dispatch(msg)
		}
	}
}

func (r *Relay) dispatch(msg *redis.Message) {
	if msg.Channel == broadcastChannel {
		var frame broadcastFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed broadcast frame")
			return
		}
		r.hub.BroadcastLocal(frame.Event, frame.SkipUserID)
		return
	}

	userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)
	var evt Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event frame")
		return
	}
	r.hub.PushLocal(userID, evt)
}
