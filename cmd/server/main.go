// Package main runs the streaming backend HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/streamcast/portal/config"
	"github.com/streamcast/portal/internal/metrics"
	"github.com/streamcast/portal/internal/middleware"
	"github.com/streamcast/portal/internal/polls"
	"github.com/streamcast/portal/internal/realtime"
	"github.com/streamcast/portal/internal/streams"
	"github.com/streamcast/portal/internal/viewers"
	"github.com/streamcast/portal/internal/worker"
	"github.com/streamcast/portal/pkg/database"
	"github.com/streamcast/portal/pkg/queue"
	"github.com/streamcast/portal/pkg/redis"
	"github.com/streamcast/portal/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: int32(cfg.Database.MaxConns)}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var serverMetrics *metrics.Server
	if cfg.Server.MetricsEnabled {
		serverMetrics = metrics.NewServer()
	}

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	defer redisPubSub.Close()
	hub := realtime.NewHub(logger, serverMetrics, redisPubSub, redisPubSub)
	hub.SetAudienceChangeHandler(func(streamID uuid.UUID, count int) {
		logger.Debug("audience changed", zap.String("stream_id", streamID.String()), zap.Int("connections", count))
	})

	// Presence
	tracker := viewers.NewTracker(rdb.Client, cfg.Presence.ViewerTTL)
	heartbeatHandler := viewers.NewHandler(tracker, serverMetrics, logger)

	// Streams
	streamRepo := streams.NewRepository(pool)
	streamHandler := streams.NewHandler(streamRepo, tracker, logger)

	// Polls
	jobQueue := queue.NewQueue(rdb.Client, logger)
	pollRepo := polls.NewRepository(pool)
	pollService := polls.NewService(pollRepo, hub, jobQueue, serverMetrics, logger)
	defer pollService.Stop()
	pollHandler := polls.NewHandler(pollService, streamRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, serverMetrics))

	// Health
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		report := gin.H{"postgres": "ok", "redis": "ok"}
		healthy := true
		if err := pool.Ping(ctx); err != nil {
			report["postgres"], healthy = err.Error(), false
		}
		if err := rdb.Healthy(ctx); err != nil {
			report["redis"], healthy = err.Error(), false
		}
		if !healthy {
			response.FailWith(c, http.StatusServiceUnavailable, "degraded", report)
			return
		}
		response.OK(c, report)
	})
	if serverMetrics != nil {
		router.GET("/metrics", gin.WrapH(serverMetrics.Handler()))
	}

	api := router.Group("/api")
	{
		// Streams
		api.GET("/streams", streamHandler.List)
		api.POST("/streams", streamHandler.Create)
		api.GET("/streams/:id", streamHandler.Get)
		api.GET("/streams/:id/status", streamHandler.Status)
		api.PATCH("/streams/:id/live", streamHandler.SetLive)
		api.POST("/streams/:id/stop", streamHandler.Stop)

		// Presence
		api.POST("/heartbeat", heartbeatHandler.Heartbeat)

		// Polls
		api.POST("/streams/:id/polls", pollHandler.Launch)
		api.GET("/streams/:id/polls/active", pollHandler.Active)
		api.POST("/polls/:id/close", pollHandler.Close)
	}

	// WebSocket
	router.GET("/ws", realtime.ServeWs(hub, pollService, realtime.ClientConfig{
		ChatRate:  rate.Limit(cfg.Realtime.ChatRatePerSec),
		ChatBurst: cfg.Realtime.ChatBurst,
	}, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops (viewer counts, poll expiry) unless cmd/worker runs them
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var broadcaster *worker.ViewerCountBroadcaster
	if cfg.Server.EmbeddedWorker {
		local := hub.Local()
		broadcaster = worker.NewViewerCountBroadcaster(local, tracker, local, cfg.Presence.BroadcastInterval, logger)
		broadcaster.Start()
		go worker.NewPollExpiryProcessor(jobQueue, pollService, logger).Run(workerCtx)
		logger.Info("embedded worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	if broadcaster != nil {
		broadcaster.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
