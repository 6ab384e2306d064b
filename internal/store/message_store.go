package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/propsquare/messaging-backend/internal/models"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidState is returned for a transition target the state machine
	// does not know.
	ErrInvalidState = errors.New("invalid delivery state")
)

// MessageStore is the persistence collaborator for messages. It is the
// single writer of delivery-state truth; presence and offline queues only
// ever hold references into it.
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error

	// UpdateState advances a message to state and stamps the matching
	// timestamp. The transition is monotonic and idempotent: a repeated or
	// stale acknowledgement returns the current document unchanged.
	UpdateState(ctx context.Context, id string, state models.DeliveryState, at time.Time) (*models.Message, error)

	FindByID(ctx context.Context, id string) (*models.Message, error)

	// FindByPair returns the two-party history between userA and userB,
	// ordered by creation time ascending.
	FindByPair(ctx context.Context, userA, userB string, skip, limit int64) ([]*models.Message, error)

	// FindByIDs returns the messages for ids, preserving the order of ids
	// and silently skipping any that no longer exist.
	FindByIDs(ctx context.Context, ids []string) ([]*models.Message, error)

	// ListConversations returns, per chat partner of userID, the latest
	// message and the count of incoming messages not yet seen, most
	// recent conversation first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
}

// Conversation is a two-party thread summary derived from messages.
type Conversation struct {
	PartnerID   string          `bson:"_id" json:"partnerId"`
	LastMessage *models.Message `bson:"lastMessage" json:"lastMessage"`
	Unseen      int64           `bson:"unseen" json:"unseenCount"`
}

// MongoMessageStore persists messages in a MongoDB collection.
type MongoMessageStore struct {
	coll *mongo.Collection
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{coll: db.Collection("messages")}
}

func (s *MongoMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MongoMessageStore) UpdateState(ctx context.Context, id string, state models.DeliveryState, at time.Time) (*models.Message, error) {
	var filter bson.M
	var update bson.A

	// Timestamps are written with $ifNull so they are set exactly once even
	// if two acknowledgements race.
	switch state {
	case models.StateDelivered:
		filter = bson.M{"_id": id, "state": models.StatePending}
		update = bson.A{bson.M{"$set": bson.M{
			"state":       models.StateDelivered,
			"deliveredAt": bson.M{"$ifNull": bson.A{"$deliveredAt", at}},
		}}}
	case models.StateSeen:
		// A seen ack can arrive for a message still pending (multi-device
		// race); it implies delivery, so both timestamps are stamped.
		filter = bson.M{"_id": id, "state": bson.M{"$in": bson.A{models.StatePending, models.StateDelivered}}}
		update = bson.A{bson.M{"$set": bson.M{
			"state":       models.StateSeen,
			"deliveredAt": bson.M{"$ifNull": bson.A{"$deliveredAt", at}},
			"seenAt":      bson.M{"$ifNull": bson.A{"$seenAt", at}},
		}}}
	default:
		return nil, ErrInvalidState
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.Message
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update message state: %w", err)
	}

	// Either the id is unknown or the message already reached (or passed)
	// the requested state. The latter is a successful no-op.
	current, findErr := s.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	if current.State.Rank() >= state.Rank() {
		return current, nil
	}
	return nil, fmt.Errorf("update message state: unexpected state %q", current.State)
}

func (s *MongoMessageStore) FindByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &msg, nil
}

func (s *MongoMessageStore) FindByPair(ctx context.Context, userA, userB string, skip, limit int64) ([]*models.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": userA, "receiverId": userB},
		bson.M{"senderId": userB, "receiverId": userA},
	}}

	opts := options.Find().SetSort(bson.M{"createdAt": 1})
	if skip > 0 {
		opts.SetSkip(skip)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages by pair: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

func (s *MongoMessageStore) FindByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find messages by ids: %w", err)
	}
	defer cursor.Close(ctx)

	var found []*models.Message
	if err := cursor.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	// Replay must preserve queue order, so results follow the input ids.
	byID := make(map[string]*models.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	ordered := make([]*models.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

func (s *MongoMessageStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"senderId": userID},
			bson.M{"receiverId": userID},
		}}}},
		{{Key: "$addFields", Value: bson.M{
			"partnerId": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$senderId", userID}},
				"$receiverId",
				"$senderId",
			}},
		}}},
		{{Key: "$sort", Value: bson.M{"createdAt": -1}}},
		{{Key: "$group", Value: bson.M{
			"_id":         "$partnerId",
			"lastMessage": bson.M{"$first": "$$ROOT"},
			"unseen": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$receiverId", userID}},
					bson.M{"$ne": bson.A{"$state", models.StateSeen}},
				}},
				1,
				0,
			}}},
		}}},
		{{Key: "$sort", Value: bson.M{"lastMessage.createdAt": -1}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []*Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return conversations, nil
}
