// Package main runs the background loops: viewer-count broadcast and poll expiry.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamcast/portal/config"
	"github.com/streamcast/portal/internal/polls"
	"github.com/streamcast/portal/internal/realtime"
	"github.com/streamcast/portal/internal/streams"
	"github.com/streamcast/portal/internal/viewers"
	"github.com/streamcast/portal/internal/worker"
	"github.com/streamcast/portal/pkg/database"
	"github.com/streamcast/portal/pkg/queue"
	"github.com/streamcast/portal/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Publish-only hub: events reach viewers through the servers' Redis subscriptions.
	hub := realtime.NewHub(logger, nil, realtime.NewRedisPubSub(rdb.Client, logger), nil)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	pollService := polls.NewService(polls.NewRepository(pool), hub, jobQueue, nil, logger)
	defer pollService.Stop()
	processor := worker.NewPollExpiryProcessor(jobQueue, pollService, logger)

	tracker := viewers.NewTracker(rdb.Client, cfg.Presence.ViewerTTL)
	broadcaster := worker.NewViewerCountBroadcaster(streams.NewRepository(pool), tracker, hub, cfg.Presence.BroadcastInterval, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	broadcaster.Start()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	broadcaster.Stop()
	time.Sleep(time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
