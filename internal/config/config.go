package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	FrontendURL string `mapstructure:"FRONTEND_URL"`

	// MongoDB
	MongoURI string `mapstructure:"MONGO_URI"`
	MongoDB  string `mapstructure:"MONGO_DB"`

	// Redis (presence registry + offline queues)
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Realtime tuning
	PresenceTTLSeconds int `mapstructure:"PRESENCE_TTL_SECONDS"`
	PingIntervalSecs   int `mapstructure:"PING_INTERVAL_SECONDS"`
	PongWaitSecs       int `mapstructure:"PONG_WAIT_SECONDS"`
	SendRetryMax       int `mapstructure:"SEND_RETRY_MAX"`
}

var AppConfig *Config

func LoadConfig() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	// Defaults match a single-node development setup
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	viper.SetDefault("MONGO_DB", "propsquare")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("PRESENCE_TTL_SECONDS", 120)
	viper.SetDefault("PING_INTERVAL_SECONDS", 25)
	viper.SetDefault("PONG_WAIT_SECONDS", 60)
	viper.SetDefault("SEND_RETRY_MAX", 3)

	if err := viper.ReadInConfig(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("Unable to decode config: %v", err)
	}
}

// PresenceTTL is the safety-net expiry on registry entries for
// connections that vanish without a close signal.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSecs) * time.Second
}

func (c *Config) PongWait() time.Duration {
	return time.Duration(c.PongWaitSecs) * time.Second
}
