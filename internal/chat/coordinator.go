package chat

import (
	"context"
	"errors"
	"time"

	"github.com/propsquare/messaging-backend/internal/metrics"
	"github.com/propsquare/messaging-backend/internal/models"
	"github.com/propsquare/messaging-backend/internal/presence"
	"github.com/propsquare/messaging-backend/internal/queue"
	"github.com/propsquare/messaging-backend/internal/retry"
	"github.com/propsquare/messaging-backend/internal/store"
	"github.com/propsquare/messaging-backend/pkg/logger"
	"github.com/propsquare/messaging-backend/pkg/utils"
)

var (
	// ErrEmptyMessage rejects a send with neither body nor attachment.
	ErrEmptyMessage = errors.New("message needs a body or an attachment")
	// ErrMissingReceiver rejects a send without a receiver id.
	ErrMissingReceiver = errors.New("receiver id is required")
	// ErrBadAttachment rejects an attachment missing its URL or carrying
	// an unknown media kind.
	ErrBadAttachment = errors.New("attachment needs a url and a kind of image, video or document")
	// ErrNotReceiver rejects an acknowledgement from a user the message was
	// not addressed to.
	ErrNotReceiver = errors.New("acknowledgement from a non-receiver")
)

// Coordinator owns the fan-out decision for new messages and the
// delivered/seen transitions driven by client acknowledgements. All
// collaborators come in through the constructor so tests can substitute
// fakes.
type Coordinator struct {
	store    store.MessageStore
	registry presence.Registry
	queue    queue.OfflineQueue
	pusher   Pusher
	retries  int
}

func NewCoordinator(st store.MessageStore, reg presence.Registry, q queue.OfflineQueue, p Pusher, retries int) *Coordinator {
	if retries < 1 {
		retries = 3
	}
	return &Coordinator{store: st, registry: reg, queue: q, pusher: p, retries: retries}
}

// Send persists a new message and decides fan-out: direct push plus
// delivered transition when the receiver has live connections, offline
// enqueue otherwise. The store write is the only step whose failure is
// surfaced; everything after it is recoverable.
func (c *Coordinator) Send(ctx context.Context, senderID, receiverID, content string, attachment *models.Attachment) (*models.Message, error) {
	if receiverID == "" {
		return nil, ErrMissingReceiver
	}
	if attachment != nil && (attachment.URL == "" || !attachment.Kind.Valid()) {
		return nil, ErrBadAttachment
	}

	msg := &models.Message{
		ID:         utils.GenerateID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Attachment: attachment,
		State:      models.StatePending,
		CreatedAt:  time.Now(),
	}
	if !msg.HasPayload() {
		return nil, ErrEmptyMessage
	}

	if err := c.store.Create(ctx, msg); err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()

	msg = c.fanOut(ctx, msg)

	// Echo to the sender's other devices, best-effort.
	c.push(ctx, senderID, NewEvent(EventReceiveMessage, MessagePayload{Message: msg}))

	return msg, nil
}

// fanOut pushes the message directly when the receiver is present and
// enqueues it otherwise. A registry failure after retries counts as
// absent: failing closed into the queue never drops a message.
func (c *Coordinator) fanOut(ctx context.Context, msg *models.Message) *models.Message {
	var handles []string
	err := retry.Do(ctx, c.retries, func() error {
		var rerr error
		handles, rerr = c.registry.Resolve(ctx, msg.ReceiverID)
		return rerr
	})
	if err != nil {
		logger.Warn().Err(err).Str("receiverId", msg.ReceiverID).Msg("Presence lookup failed, enqueueing")
		c.enqueue(ctx, msg)
		return msg
	}
	if len(handles) == 0 {
		c.enqueue(ctx, msg)
		return msg
	}

	if err := c.pusher.Push(ctx, msg.ReceiverID, NewEvent(EventReceiveMessage, MessagePayload{Message: msg})); err != nil {
		metrics.PushFailures.Inc()
		logger.Warn().Err(err).Str("messageId", msg.ID).Msg("Direct push failed, enqueueing")
		c.enqueue(ctx, msg)
		return msg
	}

	return c.markDelivered(ctx, msg)
}

func (c *Coordinator) enqueue(ctx context.Context, msg *models.Message) {
	err := retry.Do(ctx, c.retries, func() error {
		return c.queue.Enqueue(ctx, msg.ReceiverID, msg.ID)
	})
	if err != nil {
		// The message is persisted as pending; history fetch still finds
		// it even though replay will not.
		logger.Error().Err(err).Str("messageId", msg.ID).Msg("Offline enqueue failed")
		return
	}
	metrics.MessagesEnqueued.Inc()
}

func (c *Coordinator) markDelivered(ctx context.Context, msg *models.Message) *models.Message {
	var updated *models.Message
	err := retry.Do(ctx, c.retries, func() error {
		var uerr error
		updated, uerr = c.store.UpdateState(ctx, msg.ID, models.StateDelivered, time.Now())
		return uerr
	})
	if err != nil {
		logger.Error().Err(err).Str("messageId", msg.ID).Msg("Delivered transition failed")
		return msg
	}
	metrics.MessagesDelivered.Inc()
	c.notifySender(ctx, updated)
	return updated
}

// Acknowledge processes a delivered or seen ack from the receiving user.
// Acks for states already reached are successful no-ops; acks from anyone
// but the receiver are rejected.
func (c *Coordinator) Acknowledge(ctx context.Context, ackingUserID, messageID string, target models.DeliveryState) (*models.Message, error) {
	if target != models.StateDelivered && target != models.StateSeen {
		return nil, store.ErrInvalidState
	}

	msg, err := c.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != ackingUserID {
		return nil, ErrNotReceiver
	}
	if msg.State.Rank() >= target.Rank() {
		return msg, nil
	}

	var updated *models.Message
	err = retry.Do(ctx, c.retries, func() error {
		var uerr error
		updated, uerr = c.store.UpdateState(ctx, messageID, target, time.Now())
		return uerr
	})
	if err != nil {
		return nil, err
	}
	if target == models.StateDelivered {
		metrics.MessagesDelivered.Inc()
	}

	c.notifySender(ctx, updated)
	return updated, nil
}

// Replay drains the user's offline queue and re-delivers in stored order.
// Ids whose message no longer exists are skipped; a push failure puts the
// remainder back in the queue so nothing is lost to a bad connection.
func (c *Coordinator) Replay(ctx context.Context, userID string) error {
	var ids []string
	err := retry.Do(ctx, c.retries, func() error {
		var derr error
		ids, derr = c.queue.Drain(ctx, userID)
		return derr
	})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	msgs, err := c.store.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}

	for i, msg := range msgs {
		if err := c.pusher.Push(ctx, userID, NewEvent(EventReceiveMessage, MessagePayload{Message: msg})); err != nil {
			metrics.PushFailures.Inc()
			logger.Warn().Err(err).Str("messageId", msg.ID).Msg("Replay push failed, re-enqueueing")
			// The queue was already drained; put this message and every
			// one after it back, in order, so a later replay retries.
			for _, rest := range msgs[i:] {
				c.enqueue(ctx, rest)
			}
			return nil
		}
		metrics.MessagesReplayed.Inc()
		if msg.State == models.StatePending {
			c.markDelivered(ctx, msg)
		}
	}
	return nil
}

// RelayTyping forwards a typing indicator to the receiver, best-effort.
func (c *Coordinator) RelayTyping(ctx context.Context, senderID, receiverID string, stop bool) {
	name := EventTyping
	payload := TypingPayload{UserID: senderID}
	if stop {
		name = EventStopTyping
	} else {
		// Expiry hint lets clients clear the indicator on their own.
		payload.ExpiresAt = time.Now().Add(4 * time.Second).Unix()
	}
	c.push(ctx, receiverID, NewEvent(name, payload))
}

// notifySender tells the sender a message advanced. Best-effort: the
// sender can always re-query message state.
func (c *Coordinator) notifySender(ctx context.Context, msg *models.Message) {
	name := EventMessageDelivered
	if msg.State == models.StateSeen {
		name = EventMessageSeen
	}
	c.push(ctx, msg.SenderID, NewEvent(name, StatusPayload{
		MessageID:   msg.ID,
		State:       msg.State,
		DeliveredAt: msg.DeliveredAt,
		SeenAt:      msg.SeenAt,
	}))
}

func (c *Coordinator) push(ctx context.Context, userID string, evt Event) {
	if err := c.pusher.Push(ctx, userID, evt); err != nil {
		metrics.PushFailures.Inc()
		logger.Debug().Err(err).Str("userId", userID).Str("event", evt.Name).Msg("Best-effort push failed")
	}
}
