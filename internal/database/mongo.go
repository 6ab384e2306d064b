package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/propsquare/messaging-backend/internal/config"
	"github.com/propsquare/messaging-backend/pkg/logger"
)

var Mongo *mongo.Database

var mongoClient *mongo.Client

// ConnectMongo establishes the MongoDB connection used by the message store.
func ConnectMongo() error {
	cfg := config.AppConfig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("failed to connect MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	mongoClient = client
	Mongo = client.Database(cfg.MongoDB)

	logger.Info().Str("database", cfg.MongoDB).Msg("Connected to MongoDB")
	return nil
}

// CloseMongo disconnects the client during graceful shutdown.
func CloseMongo(ctx context.Context) error {
	if mongoClient == nil {
		return nil
	}
	return mongoClient.Disconnect(ctx)
}
