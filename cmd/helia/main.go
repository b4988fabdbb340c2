package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heliachat/helia/common/version"
	"github.com/heliachat/helia/internal/helia/api"
	"github.com/heliachat/helia/internal/helia/auth"
	"github.com/heliachat/helia/internal/helia/blob"
	"github.com/heliachat/helia/internal/helia/chat"
	"github.com/heliachat/helia/internal/helia/config"
	"github.com/heliachat/helia/internal/helia/mailer"
	"github.com/heliachat/helia/internal/helia/memory"
	"github.com/heliachat/helia/internal/helia/relay"
	"github.com/heliachat/helia/internal/helia/store"
)

func main() {
	fmt.Printf("Helia Backend\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	cache := memory.NewCache(memory.Config{
		Capacity:    cfg.CacheCapacity,
		MaxMessages: cfg.CacheMaxPerChat,
	})

	personas, err := relay.LoadPersonas()
	if err != nil {
		return err
	}
	provider := relay.NewOpenAI(relay.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
	})

	// Optional shared history for multi-instance deployments.
	var history chat.SharedHistory
	if cfg.RedisURL != "" {
		redisHistory, err := memory.NewRedisHistory(cfg.RedisURL, cfg.CacheMaxPerChat, 24*time.Hour)
		if err != nil {
			return err
		}
		defer redisHistory.Close()
		history = redisHistory
		logger.Info("shared history enabled", "backend", "redis")
	}

	orch := chat.New(st, cache, relay.New(personas, provider), history, logger)

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL, 0)
	if err != nil {
		return err
	}

	blobs, err := blob.NewDiskStore(cfg.UploadDir, "/api/uploads")
	if err != nil {
		return err
	}

	// Checkout creation is optional; without an API key the billing routes
	// still serve plans and webhook settlement still works.
	var payments api.PaymentClient
	if cfg.PaymentAPIKey != "" {
		payments = api.NewPaymentClient(api.PaymentConfig{
			APIKey:    cfg.PaymentAPIKey,
			BaseURL:   cfg.PaymentBaseURL,
			ReturnURL: cfg.PaymentReturnURL,
			Timeout:   cfg.PaymentTimeout,
		})
		logger.Info("payment checkout enabled")
	}

	server, err := api.New(api.Options{
		Addr:          cfg.ListenAddr,
		Store:         st,
		Cache:         cache,
		Orchestrator:  orch,
		Tokens:        tokens,
		Mailer:        &mailer.LogMailer{Logger: logger},
		Blobs:         blobs,
		Payments:      payments,
		WebhookSecret: cfg.WebhookSecret,
		RateLimit:     cfg.AuthRateLimit,
		RateWindow:    cfg.AuthRateWindow,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}

	// Hourly cleanup of expired OTP requests, dead refresh tokens and used
	// reset-token jtis.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() {
		pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := st.PruneExpired(pruneCtx); err != nil {
			logger.Error("prune expired rows failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule pruning job: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("helia started", "addr", cfg.ListenAddr, "model", cfg.OpenAIModel)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
