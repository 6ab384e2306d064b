package chat

import (
	"encoding/json"
	"time"

	"github.com/propsquare/messaging-backend/internal/models"
)

// Wire event names. Outbound events are pushed toward connected clients,
// inbound ones arrive from them; typing and stop-typing travel both ways.
const (
	EventReceiveMessage   = "receive-message"
	EventMessageDelivered = "message-delivered"
	EventMessageSeen      = "message-seen"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"
	EventInitialUsers     = "initial-users"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Event is the envelope every frame carries on the wire.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an envelope. Marshal failures are programmer
// errors (all payload types below are marshalable), so they surface as an
// empty payload rather than a dropped event.
func NewEvent(name string, data interface{}) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{Name: name}
	}
	return Event{Name: name, Data: raw}
}

// MessagePayload wraps a full message document.
type MessagePayload struct {
	Message *models.Message `json:"message"`
}

// StatusPayload notifies a sender that one of their messages advanced.
type StatusPayload struct {
	MessageID   string               `json:"messageId"`
	State       models.DeliveryState `json:"state"`
	DeliveredAt *time.Time           `json:"deliveredAt,omitempty"`
	SeenAt      *time.Time           `json:"seenAt,omitempty"`
}

// AckPayload is a client acknowledgement for one message.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// TypingPayload carries typing indicators. ReceiverID is set inbound,
// UserID outbound.
type TypingPayload struct {
	UserID     string `json:"userId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}

// PresencePayload announces a user going online or offline.
type PresencePayload struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// InitialUsersPayload is the presence snapshot sent right after connect.
type InitialUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

// PingPayload is the liveness probe; the response echoes Payload and adds
// the server timestamp. Transport health only, no delivery semantics.
type PingPayload struct {
	Payload    string    `json:"payload,omitempty"`
	ServerTime time.Time `json:"serverTime,omitempty"`
}
