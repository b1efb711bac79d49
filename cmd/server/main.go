// collabsync - Collaborative Agent Session Server
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

	"github.com/ashureev/collabsync/internal/agent"
	"github.com/ashureev/collabsync/internal/api"
	"github.com/ashureev/collabsync/internal/cache"
	"github.com/ashureev/collabsync/internal/config"
	"github.com/ashureev/collabsync/internal/gateway"
	"github.com/ashureev/collabsync/internal/identity"
	"github.com/ashureev/collabsync/internal/middleware"
	"github.com/ashureev/collabsync/internal/realtime"
	"github.com/ashureev/collabsync/internal/session"
	"github.com/ashureev/collabsync/internal/store"
	"github.com/ashureev/collabsync/web"
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

	hub := realtime.NewHub()
	snapshots := cache.NewMemory()

	// Agent service client (optional).
	var gw *gateway.Client
	if cfg.AgentBaseURL != "" {
		gw = gateway.NewClient(cfg.AgentBaseURL)
		slog.Info("Agent service configured", "base_url", cfg.AgentBaseURL)
	} else {
		slog.Info("Agent features disabled (AGENT_BASE_URL not set)")
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, hub, gw)
	healthHandler := api.NewHealthHandler(repo)
	friendsHandler := api.NewFriendsHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler, cfg.UploadDir)

	wsHandler := session.NewWebSocketHandler(repo, hub, session.Options{
		Cooldown:      cfg.SubmitCooldown,
		UnlockTimeout: cfg.SubmitUnlockTimeout,
		Cache:         snapshots,
		Interrupter:   session.NewStoreInterrupter(repo, hub),
	}, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	r.Route("/api", func(r chi.Router) {
		friendsHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint.
	r.Get("/ws/session", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket upgrades share this server
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the agent worker when the agent service is reachable.
	var worker *agent.Worker
	if gw != nil {
		worker = agent.NewWorker(repo, hub, agent.NewHTTPProcessor(gw))
		worker.Start(ctx)
	}

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if worker != nil {
		worker.Wait()
	}

	slog.Info("Server stopped successfully")
}
