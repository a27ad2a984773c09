// Lodestar deep-research server — provides the streaming chat HTTP API and
// orchestrates the planner-driven research loop.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lodestar-research/lodestar/pkg/agent"
	"github.com/lodestar-research/lodestar/pkg/api"
	"github.com/lodestar-research/lodestar/pkg/cache"
	"github.com/lodestar-research/lodestar/pkg/config"
	"github.com/lodestar-research/lodestar/pkg/database"
	"github.com/lodestar-research/lodestar/pkg/fetch"
	"github.com/lodestar-research/lodestar/pkg/kv"
	"github.com/lodestar-research/lodestar/pkg/llm"
	"github.com/lodestar-research/lodestar/pkg/ratelimit"
	"github.com/lodestar-research/lodestar/pkg/search"
	"github.com/lodestar-research/lodestar/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs migrations)
	dbClient, err := database.NewClient(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize Redis-backed stores
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	redisStore := kv.NewRedisStore(redisClient)
	if err := redisStore.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	resultCache := cache.New(redisStore, cfg.Cache.TTL)
	limiter := ratelimit.New(redisStore)

	// 4. Initialize domain services
	chatService := services.NewChatService(dbClient.Pool())
	slog.Info("Services initialized")

	// 5. Create LLM gateway, search provider, and page fetcher
	gateway, err := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	searchClient := search.NewClient(cfg.Search.APIKey, cfg.Search.Endpoint)
	fetcher := fetch.NewClient(cfg.Agent.FetchTimeout)

	// 6. Wire the research controller
	controller := agent.NewController(gateway, searchClient, fetcher, resultCache, agent.Config{
		PlannerModel:       cfg.LLM.PlannerModel,
		SummarizerModel:    cfg.LLM.SummarizerModel,
		AnswererModel:      cfg.LLM.AnswererModel,
		UtilityModel:       cfg.LLM.UtilityModel,
		MaxSteps:           cfg.Agent.MaxSteps,
		SearchResultsCount: cfg.Agent.SearchResultsCount,
		MaxPagesToScrape:   cfg.Agent.MaxPagesToScrape,
		SmootherDelay:      cfg.Agent.SmootherDelay,
	}, slog.Default())

	// 7. Create HTTP server
	httpServer := api.NewServer(cfg, chatService, controller, limiter, dbClient, redisStore)

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Lodestar started successfully",
		"port", cfg.Server.Port,
		"max_steps", cfg.Agent.MaxSteps)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown with its own timeout budget
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
