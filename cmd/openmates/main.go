// OpenMates orchestrator server — provides the HTTP API, runs the request
// pipeline, and manages skill worker pools.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/glowingkitty/OpenMates-sub005/pkg/api"
	"github.com/glowingkitty/OpenMates-sub005/pkg/config"
	"github.com/glowingkitty/OpenMates-sub005/pkg/debugrec"
	"github.com/glowingkitty/OpenMates-sub005/pkg/dispatch"
	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/llm"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/pipeline"
	"github.com/glowingkitty/OpenMates-sub005/pkg/ratelimit"
	"github.com/glowingkitty/OpenMates-sub005/pkg/sanitize"
	"github.com/glowingkitty/OpenMates-sub005/pkg/secrets"
	"github.com/glowingkitty/OpenMates-sub005/pkg/skills"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from the config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	if os.Getenv("SERVER_ENVIRONMENT") == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting OpenMates", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database pool and migrations
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if err := storage.Migrate(databaseURL); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		slog.Error("Failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	store := kvstore.NewPostgres(pool)
	storageGateway := storage.NewPostgres(pool)

	// 3. Secrets and master key
	secretsGateway, err := buildSecrets(cfg)
	if err != nil {
		slog.Error("Failed to initialize secrets gateway", "error", err)
		os.Exit(1)
	}
	masterKey, err := secretsGateway.MasterKey(ctx)
	if err != nil {
		slog.Error("Failed to load master encryption key", "error", err)
		os.Exit(1)
	}

	// 4. LLM gateway and model selection
	gateway := llm.NewOpenAIGateway(cfg.Providers)
	selector := llm.NewModelSelector(cfg.Leaderboard, cfg.Providers)

	// 5. Skills: registry, cancellation, rate limiting, sanitization, dispatch
	registry, err := skills.NewRegistry(cfg.Skills, cfg.FocusModes)
	if err != nil {
		slog.Error("Failed to build skill registry", "error", err)
		os.Exit(1)
	}
	cancels := skills.NewCancellation(store)
	limiter := ratelimit.New(store, cfg.Providers)
	sanitizer := sanitize.NewContentSanitizer(gateway, cfg.Pipeline.SanitizerModel)

	// The dispatcher and executor reference each other: the dispatcher's
	// handler runs skills, and the executor defers rate-limited calls back
	// onto the dispatcher.
	var executor *skills.Executor
	dispatcher := dispatch.New(cfg.Dispatch, store, func(ctx context.Context, task *dispatch.Task) (map[string]any, error) {
		return runSkillTask(ctx, executor, task)
	})
	executor = skills.NewExecutor(registry, cancels, limiter, sanitizer, dispatcher)

	// 6. Stream infrastructure
	manager := streambus.NewConnectionManager(streambus.NewEventStore(pool), 10*time.Second)
	listener := streambus.NewNotifyListener(databaseURL, manager)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	manager.SetListener(listener)

	tap := api.NewStreamTap(streambus.NewPublisher(pool))
	dispatcher.SetNotifier(tap)
	slog.Info("Streaming infrastructure initialized")

	// 7. Pipeline
	recorder := debugrec.New(store, masterKey)
	state := pipeline.NewChatState(store)
	revocations := pipeline.NewRevocations(store)
	pre := pipeline.NewPreprocessor(cfg, gateway, selector, registry, store, storageGateway, state, recorder)
	mainProc := pipeline.NewMainProcessor(cfg, gateway, registry, executor, recorder)
	post := pipeline.NewPostprocessor(cfg, gateway, registry, storageGateway, recorder)
	cleanup := pipeline.NewCleanupCoordinator(store, state)
	pipe := pipeline.NewPipeline(cfg, pre, mainProc, post, tap, storageGateway, state, cleanup, revocations, masterKey)
	service := pipeline.NewService(pipe, state, revocations)

	// 8. One-time startup orphan recovery
	if recovered := state.RecoverOrphans(ctx); recovered > 0 {
		slog.Info("Recovered orphaned chat markers", "count", recovered)
	}

	// 9. HTTP server
	server := api.NewServer(service, tap, manager, store, dispatcher)
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-sigCh:
			slog.Info("Shutdown signal received", "signal", sig.String())
		case <-gctx.Done():
			return gctx.Err()
		}

		// Drain worker pools before closing the HTTP surface so in-flight
		// skill tasks can finish reporting.
		dispatcher.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server error triggered shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// buildSecrets picks the secrets backend: self-hosted deployments read a
// static base64 master key from the environment, everything else talks to
// Vault.
func buildSecrets(cfg *config.Config) (secrets.Gateway, error) {
	if cfg.Pipeline.SelfHosted {
		encoded := os.Getenv("MASTER_ENCRYPTION_KEY")
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode MASTER_ENCRYPTION_KEY: %w", err)
		}
		return &secrets.Static{Key: key}, nil
	}
	return secrets.NewVault()
}

// runSkillTask adapts a dispatched queue task into a skill execution. Task
// kwargs carry the skill arguments under "arguments".
func runSkillTask(ctx context.Context, executor *skills.Executor, task *dispatch.Task) (map[string]any, error) {
	args, _ := task.Args["arguments"].(map[string]any)
	userID, _ := task.Args["_user_id"].(string)
	result := executor.Execute(ctx, models.SkillInvocation{
		AppID:       task.AppID,
		SkillID:     task.SkillID,
		Arguments:   args,
		SkillTaskID: task.ID,
		ChatID:      task.ChatID,
		MessageID:   task.MessageID,
		UserID:      userID,
	}, skills.Options{})

	switch result.Outcome {
	case models.SkillCancelled:
		return map[string]any{}, nil
	case models.SkillFailed:
		return nil, fmt.Errorf("%s: %s", result.ErrorKind, result.ErrorMessage)
	default:
		return result.Data, nil
	}
}
