package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propsquare/messaging-backend/internal/chat"
	"github.com/propsquare/messaging-backend/internal/config"
	"github.com/propsquare/messaging-backend/internal/database"
	"github.com/propsquare/messaging-backend/internal/handlers"
	"github.com/propsquare/messaging-backend/internal/metrics"
	"github.com/propsquare/messaging-backend/internal/middleware"
	"github.com/propsquare/messaging-backend/internal/presence"
	"github.com/propsquare/messaging-backend/internal/queue"
	"github.com/propsquare/messaging-backend/internal/routes"
	"github.com/propsquare/messaging-backend/internal/store"
	"github.com/propsquare/messaging-backend/pkg/logger"
	"github.com/propsquare/messaging-backend/pkg/utils"
)

func main() {
	// 0. Load Config & Initialize Logger
	config.LoadConfig()

	env := os.Getenv("GO_ENV")
	if env == "" {
		env = "development"
	}
	logger.Init(env)

	logger.Info().Str("environment", env).Msg("Starting messaging backend...")

	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 1. Connect datastores
	if err := database.ConnectMongo(); err != nil {
		logger.Fatal().Err(err).Msg("MongoDB connection failed")
	}
	if err := database.InitRedis(); err != nil {
		logger.Fatal().Err(err).Msg("Redis connection failed")
	}

	metrics.Register()

	// 2. Build the messaging core. Everything is injected explicitly so
	// the pieces stay swappable in tests.
	messageStore := store.NewMongoMessageStore(database.Mongo)
	registry := presence.NewRedisRegistry(database.Redis, config.AppConfig.PresenceTTL())
	offlineQueue := queue.NewRedisOfflineQueue(database.Redis)
	pusher := chat.NewRedisPusher(database.Redis)
	hub := chat.NewHub()
	coordinator := chat.NewCoordinator(messageStore, registry, offlineQueue, pusher, config.AppConfig.SendRetryMax)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go chat.NewRelay(database.Redis, hub).Run(relayCtx)

	wsHandler := &handlers.WSHandler{
		Hub:         hub,
		Registry:    registry,
		Coordinator: coordinator,
		Pusher:      pusher,
		Auth: func(credential string) (string, error) {
			claims, err := utils.ValidateToken(credential)
			if err != nil {
				return "", err
			}
			return claims.UserID, nil
		},
		Config: chat.SessionConfig{
			PingInterval: config.AppConfig.PingInterval(),
			PongWait:     config.AppConfig.PongWait(),
			Retries:      config.AppConfig.SendRetryMax,
		},
	}
	chatHandler := handlers.NewChatHandler(messageStore, coordinator)

	// 3. Setup Router
	// ErrorHandlerMiddleware owns both panic recovery and AppError
	// mapping, so gin.Recovery is not stacked on top of it.
	r := gin.New()
	r.Use(middleware.LoggingMiddleware())
	r.Use(middleware.ErrorHandlerMiddleware())
	r.Use(middleware.CORSMiddleware())

	api := r.Group("/api")
	routes.RegisterChatRoutes(api, chatHandler)

	r.GET("/ws", wsHandler.Serve)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		mongoStatus := "ok"
		redisStatus := "ok"

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := database.Mongo.Client().Ping(ctx, nil); err != nil {
			mongoStatus = "error"
		}
		if _, err := database.Redis.Ping(ctx).Result(); err != nil {
			redisStatus = "error"
		}

		status := "ok"
		if mongoStatus != "ok" || redisStatus != "ok" {
			status = "degraded"
		}

		c.JSON(200, gin.H{
			"status": status,
			"checks": gin.H{
				"mongo": mongoStatus,
				"redis": redisStatus,
			},
		})
	})

	// 4. Start server with graceful shutdown
	port := config.AppConfig.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Str("env", env).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopRelay()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := database.CloseMongo(ctx); err != nil {
		logger.Error().Err(err).Msg("MongoDB disconnect failed")
	}
	if err := database.CloseRedis(); err != nil {
		logger.Error().Err(err).Msg("Redis close failed")
	}

	logger.Info().Msg("Server exited gracefully")
}
