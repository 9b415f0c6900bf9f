// MindCanvas worker — serves the diagram generation API, the node-palette
// streamer, and the SMS login flow, coordinating with sibling workers
// through the shared store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindcanvas/mindcanvas/pkg/api"
	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/database"
	"github.com/mindcanvas/mindcanvas/pkg/diagram"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/maintenance"
	"github.com/mindcanvas/mindcanvas/pkg/palette"
	"github.com/mindcanvas/mindcanvas/pkg/ratelimit"
	"github.com/mindcanvas/mindcanvas/pkg/services"
	"github.com/mindcanvas/mindcanvas/pkg/sms"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
	"github.com/mindcanvas/mindcanvas/pkg/usage"
)

const usageRetentionDays = 180

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting MindCanvas",
		"http_port", cfg.HTTPPort,
		"pod_id", cfg.PodID,
		"providers", cfg.Providers.IDs())

	// 2. Coordination store
	st, err := store.NewRedisStore(ctx, cfg.Store.URL, cfg.Store.PingTimeout)
	if err != nil {
		slog.Error("Failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing coordination store", "error", err)
		}
	}()
	slog.Info("Connected to coordination store")

	// 3. Database (migrations apply on startup)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	// 4. Telemetry and domain services
	metrics := telemetry.New()
	authService := services.NewAuthService(dbClient, cfg.Auth)
	usageService := services.NewUsageService(dbClient)

	// 5. Usage buffer and flusher
	buffer := usage.NewBuffer(st, cfg.Buffer, metrics)
	flusher := usage.NewFlusher(buffer, usageService, metrics)
	flusher.Start()
	defer flusher.Stop()

	// 6. Rate limiter and LLM facade
	limiter, err := ratelimit.New(cfg.Providers, st)
	if err != nil {
		slog.Error("Failed to build rate limiter", "error", err)
		os.Exit(1)
	}
	llmClient := llm.NewClient(cfg.Providers, limiter, buffer, metrics)

	// 7. Palette sessions and fan-out
	sessionManager := palette.NewManager(cfg.Palette.SessionIdleTTL, metrics)
	sessionManager.Start()
	defer sessionManager.Stop()

	chatProviders := cfg.Providers.ChatIDs()
	if len(chatProviders) == 0 {
		slog.Error("No chat providers configured")
		os.Exit(1)
	}
	streamer := palette.NewStreamer(llmClient, chatProviders, cfg.Palette, metrics)
	diagramService := diagram.NewService(llmClient, chatProviders[0])

	// 8. SMS one-time codes
	smsService := sms.NewService(st, sms.NewGatewayClient(cfg.SMS), cfg.SMS, metrics)

	// 9. Maintenance sweep (store-lease elected, safe on every worker)
	maint := maintenance.NewService(st, usageService, usageRetentionDays)
	maint.Start(ctx)
	defer maint.Stop()

	// 10. HTTP server
	server := api.NewServer(api.Deps{
		Config:   cfg,
		Auth:     authService,
		Usage:    usageService,
		Diagrams: diagramService,
		Sessions: sessionManager,
		Streamer: streamer,
		SMS:      smsService,
		LLM:      llmClient,
		DB:       dbClient,
		Store:    st,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("MindCanvas started", "pod_id", cfg.PodID)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop accepting requests, then drain. The
	// deferred stops flush the buffer and cancel palette sessions.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
