package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relaychat/server/internal/v1/auth"
	"github.com/relaychat/server/internal/v1/bus"
	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/health"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/presence"
	"github.com/relaychat/server/internal/v1/ratelimit"
	"github.com/relaychat/server/internal/v1/replay"
	"github.com/relaychat/server/internal/v1/room"
	"github.com/relaychat/server/internal/v1/router"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
	"github.com/relaychat/server/internal/v1/tracing"
	"github.com/relaychat/server/internal/v1/transport"

	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. Try multiple paths to handle
	// different ways of running the app.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing (optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(rootCtx, "chat-core", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("Tracer shutdown failed", "error", err)
			}
		}()
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		slog.Warn("Development Mode: auth credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator auth.TokenValidator
	if skipAuth {
		slog.Warn("Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			slog.Error("AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH=false")
			os.Exit(1)
		}
		v, err := auth.NewValidator(rootCtx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		slog.Info("JWT validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
		validator = v
	}

	// --- Redis Bus (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Persistence ---
	var adapter db.Adapter
	if cfg.PostgresDSN != "" {
		pg, err := db.NewPostgres(cfg.PostgresDSN)
		if err != nil {
			slog.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		adapter = pg
		slog.Info("Postgres message store initialized")
	} else {
		adapter = db.NewMemory()
		slog.Warn("POSTGRES_DSN not set, using in-memory message store")
	}

	// --- State stores ---
	cache := store.NewMessageCache()
	deliveries := store.NewDeliveryStore()
	aggregates := store.NewRoomDeliveryStore()
	idemp := store.NewIdempotencyIndex()
	presenceStore := store.NewPresenceStore()
	typing := store.NewTypingLimiter(cfg.TypingMaxEvents, cfg.TypingWindow, 5*time.Minute)

	// --- Services ---
	sessions := session.NewManager(cfg)
	messages := message.NewService(cfg, adapter, cache, deliveries, idemp, sessions)
	rooms := room.NewRegistry(cfg, adapter, sessions, messages, aggregates, idemp)
	replayEngine := replay.NewEngine(cfg, adapter, deliveries, messages)
	presenceEngine := presence.NewEngine(cfg, sessions, presenceStore)

	sessions.SetPresenceNotifier(presenceEngine)
	messages.SetRoomDeliveryHook(rooms.HandleDelivered)
	if busService != nil {
		rooms.SetEventPublisher(busService)
	}

	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	userLimits, err := ratelimit.NewUserLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	frameRouter := router.New(cfg, sessions, messages, rooms, replayEngine, presenceEngine, userLimits, typing)
	hub := transport.NewHub(cfg, validator, sessions, frameRouter, messages, presenceEngine)
	hub.SetStateSyncer(frameRouter)

	sessions.StartHeartbeat(rootCtx)

	// --- HTTP server ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("chat-core"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowCredentials = true
	engine.Use(cors.New(corsConfig))

	engine.GET(cfg.WSPath, hub.ServeWs)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, adapter)
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		slog.Info("Chat server starting", "port", cfg.Port, "ws_path", cfg.WSPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	<-rootCtx.Done()
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Announce shutdown, drain, and close every socket before the HTTP
	// listener goes away.
	sessions.Shutdown(shutdownCtx)
	presenceEngine.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}
