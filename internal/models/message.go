package models

import "time"

// DeliveryState tracks how far a message has travelled:
// pending -> delivered -> seen. It never moves backward.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateSeen      DeliveryState = "seen"
)

// Rank orders states for monotonicity checks. Unknown states rank lowest.
func (s DeliveryState) Rank() int {
	switch s {
	case StatePending:
		return 1
	case StateDelivered:
		return 2
	case StateSeen:
		return 3
	}
	return 0
}

// AttachmentKind is the media category of a message attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentDocument:
		return true
	}
	return false
}

// Attachment references an already-uploaded asset. Uploads themselves are
// handled elsewhere; the messaging core only carries the reference.
type Attachment struct {
	URL  string         `bson:"url" json:"url"`
	Kind AttachmentKind `bson:"kind" json:"kind"`
}

// Message is a direct message between two users. The store is the single
// source of truth for State and its timestamps.
type Message struct {
	ID         string        `bson:"_id" json:"id"`
	SenderID   string        `bson:"senderId" json:"senderId"`
	ReceiverID string        `bson:"receiverId" json:"receiverId"`
	Content    string        `bson:"content,omitempty" json:"content,omitempty"`
	Attachment *Attachment   `bson:"attachment,omitempty" json:"attachment,omitempty"`
	State      DeliveryState `bson:"state" json:"state"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	DeliveredAt *time.Time `bson:"deliveredAt,omitempty" json:"deliveredAt,omitempty"`
	SeenAt      *time.Time `bson:"seenAt,omitempty" json:"seenAt,omitempty"`
}

// HasPayload reports whether the message carries a body or an attachment.
// A message needs at least one of the two.
func (m *Message) HasPayload() bool {
	return m.Content != "" || m.Attachment != nil
}

// Involves reports whether userID is the sender or the receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}
