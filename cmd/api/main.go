package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cnm4us/mux/internal/api"
	"github.com/cnm4us/mux/internal/cache"
	"github.com/cnm4us/mux/internal/config"
	"github.com/cnm4us/mux/internal/platform"
	"github.com/cnm4us/mux/internal/ratelimit"
	"github.com/cnm4us/mux/internal/store"
	"github.com/cnm4us/mux/internal/webhook"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var st api.Store
	switch cfg.Persistence {
	case "memory":
		logger.Warn("using in-memory persistence; data is lost on restart")
		st = store.NewMemory()
	default:
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = pg
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewUploadLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	feedCache := cache.NewFeedCache(redisClient, cfg.FeedCacheTTL)

	var uploader api.Uploader
	if cfg.MuxTokenID != "" && cfg.MuxTokenSecret != "" {
		uploader = platform.NewClient(cfg.MuxAPIBaseURL, cfg.MuxTokenID, cfg.MuxTokenSecret)
	} else {
		logger.Warn("platform credentials unset; upload creation disabled")
	}

	var signer *platform.Signer
	if cfg.MuxSigningKeyID != "" && cfg.MuxSigningKeyPEM != "" {
		var err error
		signer, err = platform.NewSigner(cfg.MuxSigningKeyID, cfg.MuxSigningKeyPEM)
		if err != nil {
			log.Fatalf("signing key: %v", err)
		}
	} else {
		logger.Warn("signing key unset; playback grants disabled")
	}

	dispatcher := webhook.NewDispatcher(st, logger)
	server := api.New(cfg, st, dispatcher, uploader, signer, limiter, feedCache, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "persistence", cfg.Persistence, "webhook_bypass", cfg.MuxWebhookDevBypass)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
