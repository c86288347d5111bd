// Agentic Squad - chat front-end server for multi-agent teams.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentic-squad/internal/api"
	"github.com/ashureev/agentic-squad/internal/chat"
	"github.com/ashureev/agentic-squad/internal/config"
	"github.com/ashureev/agentic-squad/internal/identity"
	"github.com/ashureev/agentic-squad/internal/middleware"
	"github.com/ashureev/agentic-squad/internal/runner"
	"github.com/ashureev/agentic-squad/internal/session"
	"github.com/ashureev/agentic-squad/internal/store"
	"github.com/ashureev/agentic-squad/internal/teamconfig"
	"github.com/ashureev/agentic-squad/internal/transport"
	"github.com/ashureev/agentic-squad/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	configs, err := teamconfig.NewStore(cfg.TeamConfigDir, logger)
	if err != nil {
		slog.Error("Failed to initialize team config store", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(repo, configs, logger)
	purged, err := sessions.Recover(context.Background())
	if err != nil {
		slog.Error("Failed to clean up previous sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Previous session state cleaned up", "team_configs_removed", purged, "dir", configs.Dir())

	// Select the team runner: the external gRPC runner when configured,
	// otherwise the built-in echo runner.
	var teamRunner runner.TeamRunner = runner.EchoRunner{}
	var runnerHealth runner.HealthChecker
	if cfg.RunnerEnabled() {
		slog.Info("Connecting to team runner via gRPC", "address", cfg.Runner.Addr)
		grpcClient, err := runner.NewGrpcClient(cfg.Runner.Addr, logger)
		if err != nil {
			slog.Warn("Failed to connect to team runner, falling back to echo runner", "error", err)
		} else {
			defer grpcClient.Close()
			teamRunner = grpcClient
			runnerHealth = grpcClient
		}
	} else {
		slog.Info("TEAM_RUNNER_ADDR not set, using echo runner")
	}

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to flush conversation log", "error", closeErr)
		}
	}()

	orchestrator := chat.NewOrchestrator(teamRunner, cfg.Runner.Timeout, conversationLogger, logger)

	registry := transport.NewRegistry()
	sessions.OnClose(registry.CloseSession)

	// Initialize handlers.
	chatHandler := api.NewHandler(sessions, configs, orchestrator, cfg)
	defer chatHandler.Close()
	healthHandler := api.NewHealthHandler(repo, runnerHealth, cfg)
	wsHandler := transport.NewWebSocketHandler(sessions, orchestrator, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Session-scoped routes use identity middleware (no auth needed).
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(sessions, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE chat turns can run up to RUNNER_TIMEOUT, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartSweeper(ctx, sessions, cfg.Session.SweepInterval, cfg.Session.TTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Team configs never outlive the process.
	sessions.CloseAll(shutdownCtx)

	slog.Info("Server stopped successfully")
}
