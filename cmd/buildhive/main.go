// BuildHive orchestrator server: routes user messages, runs multi-agent
// build workflows from a durable queue, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/buildhive-ai/buildhive/pkg/a2a"
	"github.com/buildhive-ai/buildhive/pkg/api"
	"github.com/buildhive-ai/buildhive/pkg/classify"
	"github.com/buildhive-ai/buildhive/pkg/cleanup"
	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/database"
	"github.com/buildhive-ai/buildhive/pkg/events"
	"github.com/buildhive-ai/buildhive/pkg/llm"
	"github.com/buildhive-ai/buildhive/pkg/notify"
	"github.com/buildhive-ai/buildhive/pkg/queue"
	"github.com/buildhive-ai/buildhive/pkg/retry"
	"github.com/buildhive-ai/buildhive/pkg/router"
	"github.com/buildhive-ai/buildhive/pkg/services"
	"github.com/buildhive-ai/buildhive/pkg/telemetry"
	"github.com/buildhive-ai/buildhive/pkg/tools"
	"github.com/buildhive-ai/buildhive/pkg/version"
	"github.com/buildhive-ai/buildhive/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the replica identifier for queue claims.
// Priority: POD_ID env > HOSTNAME env > generated.
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local-" + uuid.New().String()[:8]
}

func main() {
	configPath := flag.String("config",
		getEnv("BUILDHIVE_CONFIG", "./deploy/config/buildhive.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, continuing with existing environment", "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting BuildHive",
		"version", version.Version, "pod_id", podID, "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	if err := database.RunMigrations(dbConfig); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Domain services
	pool := dbClient.Pool()
	sessionService := services.NewSessionService(pool, cfg.Session.TTL, cfg.Session.HistoryLimit)
	stateService := services.NewStateService(pool)
	handoffService := services.NewHandoffService(pool)
	slog.Info("Services initialized")

	metrics := telemetry.NewMetrics()

	// Every outbound dependency sits behind its own breaker, with state
	// transitions mirrored onto the breaker gauge.
	newBreaker := func(name string) *retry.Breaker {
		b := retry.NewBreaker(name, cfg.Retry.BreakerFailureThreshold, cfg.Retry.BreakerTimeout)
		b.OnStateChange(func(dep string, state retry.BreakerState) {
			metrics.ObserveBreaker(dep, string(state))
		})
		return b
	}

	// LLM client
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	llmClient = llm.WithBreaker(llmClient, newBreaker("llm"))
	slog.Info("LLM client initialized", "provider", cfg.LLM.Provider, "model", llmClient.Model())

	// Event streaming: durable publisher plus a dedicated LISTEN
	// connection fanning out to local WebSocket subscribers.
	publisher := events.NewPublisher(pool)
	broker := events.NewBroker()
	listener := events.NewListener(dbConfig.DSN(), broker)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start event listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	slog.Info("Event streaming initialized")

	// Outbound notifications: events always, Slack when configured.
	transports := []notify.Transport{publisher}
	if cfg.Slack.Enabled {
		slackTransport, err := notify.NewSlackTransport(cfg.Slack, newBreaker("slack"))
		if err != nil {
			slog.Error("Failed to initialize Slack transport", "error", err)
			os.Exit(1)
		}
		transports = append(transports, slackTransport)
		slog.Info("Slack transport enabled", "channel", cfg.Slack.Channel)
	}
	notifier := notify.NewNotifier(cfg.Notify, transports...)

	// MCP tool servers
	toolBreakers := make(map[string]*retry.Breaker, len(cfg.Tools.Servers))
	for id := range cfg.Tools.Servers {
		toolBreakers[id] = newBreaker("tools_" + id)
	}
	toolClient := tools.NewClient(cfg.Tools, toolBreakers)
	if err := toolClient.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize tool servers", "error", err)
		os.Exit(1)
	}
	defer toolClient.Close()
	provider := tools.NewProvider(toolClient)
	slog.Info("Tool servers initialized")

	inboxes := workflow.NewInboxes()

	engine := workflow.NewEngine(workflow.Deps{
		Config:    cfg,
		States:    stateService,
		Handoffs:  handoffService,
		LLM:       llmClient,
		Bus:       a2a.NewBus(cfg.Workflow.AgentTaskTimeout),
		Notifier:  notifier,
		Provider:  provider,
		Publisher: publisher,
		Metrics:   metrics,
		PodID:     podID,
	})

	// Worker pool claims pending workflows and drives the engine.
	workerPool := queue.NewPool(podID, cfg.Queue, stateService, engine, inboxes)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Router handles inbound messages.
	classifier := classify.New(llmClient, cfg.Classifier)
	messageRouter := router.New(cfg, sessionService, stateService, classifier, llmClient, inboxes, workerPool)

	// Retention sweeps
	cleanupRunner := cleanup.NewRunner(cfg.Cleanup, sessionService, stateService, stateService, handoffService, publisher)
	cleanupRunner.Start(ctx)

	// HTTP server
	server := api.NewServer(api.Deps{
		Config:   cfg,
		Handler:  messageRouter,
		States:   stateService,
		Pool:     workerPool,
		DB:       dbClient,
		Sessions: sessionService,
		Broker:   broker,
		Listener: listener,
		History:  publisher,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("BuildHive started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown order: stop accepting HTTP traffic, let running
	// workflows reach a persistable point, then stop the sweeps.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	workerPool.Stop()
	cleanupRunner.Stop()
	slog.Info("BuildHive shutdown complete")
}
