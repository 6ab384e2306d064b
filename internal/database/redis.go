package database

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/propsquare/messaging-backend/internal/config"
	"github.com/propsquare/messaging-backend/pkg/logger"
)

var Redis *redis.Client

// InitRedis connects the shared key-value store backing the presence
// registry and the offline queues. Unlike caching setups, a failure here
// is fatal: presence correctness across processes depends on it.
func InitRedis() error {
	cfg := config.AppConfig

	Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if _, err := Redis.Ping(context.Background()).Result(); err != nil {
		return err
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	return nil
}

// CloseRedis closes the client during graceful shutdown.
func CloseRedis() error {
	if Redis == nil {
		return nil
	}
	return Redis.Close()
}
