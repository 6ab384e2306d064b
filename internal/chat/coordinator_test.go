package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsquare/messaging-backend/internal/models"
	"github.com/propsquare/messaging-backend/internal/store"
)

func newTestCoordinator() (*Coordinator, *fakeStore, *fakeRegistry, *fakeQueue, *fakePusher) {
	st := newFakeStore()
	reg := newFakeRegistry()
	q := newFakeQueue()
	p := newFakePusher()
	return NewCoordinator(st, reg, q, p, 1), st, reg, q, p
}

func TestSendToOnlineReceiver(t *testing.T) {
	coord, st, reg, q, p := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "bob", "conn-1"))

	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, models.StateDelivered, msg.State)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Nil(t, msg.SeenAt)
	assert.Equal(t, models.StateDelivered, st.state(msg.ID))

	// Receiver got the message, sender got a status update and an echo.
	assert.Len(t, p.pushed("bob", EventReceiveMessage), 1)
	assert.Len(t, p.pushed("alice", EventMessageDelivered), 1)
	assert.Len(t, p.pushed("alice", EventReceiveMessage), 1)

	// Nothing ended up in the offline queue.
	n, _ := q.Len(ctx, "bob")
	assert.Zero(t, n)
}

func TestSendToOfflineReceiverEnqueues(t *testing.T) {
	coord, st, _, q, p := newTestCoordinator()
	ctx := context.Background()

	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatePending, msg.State)
	assert.Nil(t, msg.DeliveredAt)
	assert.Equal(t, models.StatePending, st.state(msg.ID))

	ids, err := q.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, msg.ID, ids[0])

	assert.Empty(t, p.pushed("bob", EventReceiveMessage))
}

func TestSendFailsClosedWhenRegistryDown(t *testing.T) {
	coord, _, reg, q, _ := newTestCoordinator()
	ctx := context.Background()

	reg.failing = true

	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, msg.State)

	ids, _ := q.Drain(ctx, "bob")
	require.Len(t, ids, 1)
	assert.Equal(t, msg.ID, ids[0])
}

func TestSendValidation(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	_, err := coord.Send(ctx, "alice", "", "hello", nil)
	assert.ErrorIs(t, err, ErrMissingReceiver)

	_, err = coord.Send(ctx, "alice", "bob", "", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = coord.Send(ctx, "alice", "bob", "", &models.Attachment{URL: "https://cdn.example.com/a.bin", Kind: "archive"})
	assert.ErrorIs(t, err, ErrBadAttachment)

	_, err = coord.Send(ctx, "alice", "bob", "", &models.Attachment{Kind: models.AttachmentImage})
	assert.ErrorIs(t, err, ErrBadAttachment)

	// Attachment-only messages are fine.
	msg, err := coord.Send(ctx, "alice", "bob", "", &models.Attachment{URL: "https://cdn.example.com/flat.jpg", Kind: models.AttachmentImage})
	require.NoError(t, err)
	assert.Empty(t, msg.Content)
}

func TestSendSurfacesStoreError(t *testing.T) {
	coord, st, _, q, _ := newTestCoordinator()
	ctx := context.Background()

	st.createErr = assert.AnError

	_, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	assert.Error(t, err)

	// No queue entry for a message that was never persisted.
	n, _ := q.Len(ctx, "bob")
	assert.Zero(t, n)
}

func TestAcknowledgeSeen(t *testing.T) {
	coord, st, reg, _, p := newTestCoordinator()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "bob", "conn-1"))
	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	updated, err := coord.Acknowledge(ctx, "bob", msg.ID, models.StateSeen)
	require.NoError(t, err)

	assert.Equal(t, models.StateSeen, updated.State)
	assert.NotNil(t, updated.SeenAt)
	assert.Equal(t, models.StateSeen, st.state(msg.ID))
	assert.Len(t, p.pushed("alice", EventMessageSeen), 1)
}

func TestAcknowledgeRejectsNonReceiver(t *testing.T) {
	coord, st, _, _, _ := newTestCoordinator()
	ctx := context.Background()

	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	// Neither the sender nor a third party can seen-ack bob's message.
	_, err = coord.Acknowledge(ctx, "alice", msg.ID, models.StateSeen)
	assert.ErrorIs(t, err, ErrNotReceiver)

	_, err = coord.Acknowledge(ctx, "mallory", msg.ID, models.StateSeen)
	assert.ErrorIs(t, err, ErrNotReceiver)

	assert.Equal(t, models.StatePending, st.state(msg.ID))
}

func TestAcknowledgeUnknownMessage(t *testing.T) {
	coord, _, _, _, _ := newTestCoordinator()

	_, err := coord.Acknowledge(context.Background(), "bob", "no-such-id", models.StateSeen)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	coord, st, _, _, p := newTestCoordinator()
	ctx := context.Background()

	msg, err := coord.Send(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	first, err := coord.Acknowledge(ctx, "bob", msg.ID, models.StateSeen)
	require.NoError(t, err)
	firstSeenAt := *first.SeenAt

	// Repeat the ack: same final state, original timestamp, no second
	// notification to the sender.
	second, err := coord.Acknowledge(ctx, "bob", msg.ID, models.StateSeen)
	require.NoError(t, err)
	assert.Equal(t, models.StateSeen, second.State)
	assert.Equal(t, firstSeenAt, *second.SeenAt)
	assert.Len(t, p.pushed("alice", EventMessageSeen), 1)

	// A late delivered-ack never regresses the state.
	third, err := coord.Acknowledge(ctx, "bob", msg.ID, models.StateDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.StateSeen, third.State)
	assert.Equal(t, models.StateSeen, st.state(msg.ID))
}

func TestReplayDeliversInOrder(t *testing.T) {
	coord, st, _, _, p := newTestCoordinator()
	ctx := context.Background()

	m1, err := coord.Send(ctx, "alice", "bob", "first", nil)
	require.NoError(t, err)
	m2, err := coord.Send(ctx, "alice", "bob", "second", nil)
	require.NoError(t, err)

	require.NoError(t, coord.Replay(ctx, "bob"))

	received := p.pushed("bob", EventReceiveMessage)
	require.Len(t, received, 2)

	var p1, p2 MessagePayload
	require.NoError(t, json.Unmarshal(received[0].Event.Data, &p1))
	require.NoError(t, json.Unmarshal(received[1].Event.Data, &p2))
	assert.Equal(t, m1.ID, p1.Message.ID)
	assert.Equal(t, m2.ID, p2.Message.ID)

	assert.Equal(t, models.StateDelivered, st.state(m1.ID))
	assert.Equal(t, models.StateDelivered, st.state(m2.ID))

	// Queue is drained; a second replay is a no-op.
	require.NoError(t, coord.Replay(ctx, "bob"))
	assert.Len(t, p.pushed("bob", EventReceiveMessage), 2)
}

func TestReplaySkipsExternallyDeletedMessages(t *testing.T) {
	coord, st, _, q, p := newTestCoordinator()
	ctx := context.Background()

	msg, err := coord.Send(ctx, "alice", "bob", "soon gone", nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "bob", "deleted-elsewhere"))

	require.NoError(t, coord.Replay(ctx, "bob"))

	received := p.pushed("bob", EventReceiveMessage)
	require.Len(t, received, 1)
	var payload MessagePayload
	require.NoError(t, json.Unmarshal(received[0].Event.Data, &payload))
	assert.Equal(t, msg.ID, payload.Message.ID)
	assert.Equal(t, models.StateDelivered, st.state(msg.ID))
}

func TestReplayRequeuesOnPushFailure(t *testing.T) {
	coord, st, _, q, p := newTestCoordinator()
	ctx := context.Background()

	m1, err := coord.Send(ctx, "alice", "bob", "first", nil)
	require.NoError(t, err)
	m2, err := coord.Send(ctx, "alice", "bob", "second", nil)
	require.NoError(t, err)

	// The push path is down: replay must not consume the queue entries.
	p.pushErr = assert.AnError
	require.NoError(t, coord.Replay(ctx, "bob"))

	assert.Equal(t, models.StatePending, st.state(m1.ID))
	assert.Equal(t, models.StatePending, st.state(m2.ID))
	n, _ := q.Len(ctx, "bob")
	assert.EqualValues(t, 2, n)

	// A healthy replay afterwards delivers everything, still in order.
	p.pushErr = nil
	require.NoError(t, coord.Replay(ctx, "bob"))

	received := p.pushed("bob", EventReceiveMessage)
	require.Len(t, received, 2)
	var p1, p2 MessagePayload
	require.NoError(t, json.Unmarshal(received[0].Event.Data, &p1))
	require.NoError(t, json.Unmarshal(received[1].Event.Data, &p2))
	assert.Equal(t, m1.ID, p1.Message.ID)
	assert.Equal(t, m2.ID, p2.Message.ID)

	assert.Equal(t, models.StateDelivered, st.state(m1.ID))
	assert.Equal(t, models.StateDelivered, st.state(m2.ID))
	n, _ = q.Len(ctx, "bob")
	assert.Zero(t, n)
}

func TestConcurrentEnqueueAndDrainLosesNothing(t *testing.T) {
	_, _, _, q, _ := newTestCoordinator()
	ctx := context.Background()

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			q.Enqueue(ctx, "bob", "msg")
		}
	}()

	var total int
	deadline := time.After(2 * time.Second)
	for total < n {
		select {
		case <-deadline:
			t.Fatalf("lost entries: got %d of %d", total, n)
		default:
		}
		ids, err := q.Drain(ctx, "bob")
		require.NoError(t, err)
		total += len(ids)
	}
	<-done
	assert.Equal(t, n, total)
}
