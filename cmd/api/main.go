package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatdesk/api/internal/agent"
	"threatdesk/api/internal/app"
	"threatdesk/api/internal/blob"
	"threatdesk/api/internal/config"
	"threatdesk/api/internal/identity"
	"threatdesk/api/internal/lock"
	"threatdesk/api/internal/logger"
	"threatdesk/api/internal/session"
	"threatdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogDev)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("invalid redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	blobService, err := blob.New(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL, cfg.PresignTTL)
	if err != nil {
		log.Fatal("object store connection failed", zap.Error(err))
	}
	if err := blobService.EnsureBucket(ctx); err != nil {
		log.Warn("bucket check failed (will retry on first use)", zap.Error(err))
	}

	agentClient := agent.NewClient(cfg.AgentURL, cfg.AgentToken)
	sessions := session.NewRedisStore(redisClient, 30*24*time.Hour)
	names := identity.NewService(dataStore, log)
	locks := lock.NewManager(redisClient, names, cfg.LockWindow, log)

	service := app.New(cfg, dataStore, locks, blobService, agentClient, sessions, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("threatdesk api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
}
