// Package server exposes the threaded chat core over HTTP, server-sent events and websockets.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/internal/assistant"
	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/database"
	"loom/internal/eventlog"
	"loom/internal/idgen"
	"loom/internal/middleware"
	"loom/internal/observability"
	"loom/internal/ratelimit"
	"loom/internal/realtime"
	"loom/internal/repository"
	"loom/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	roleCacheTTL        = 30 * time.Second
	maintenanceInterval = time.Minute
	// rateLimitIdle is how long a bucket's TAT must lie in the past before
	// its row is purged; longer than any configured burst window.
	rateLimitIdle = time.Hour
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	promMiddleware *fiberprometheus.FiberPrometheus
	auth           *middleware.Authenticator
	limiter        *ratelimit.Limiter
	limitStore     ratelimit.Store
	eventLog       *eventlog.Log
	hub            *realtime.Hub
	pruner         *eventlog.Pruner
	presence       *realtime.PresenceTracker
	threads        *service.ThreadService
	members        *service.MembershipService
	activity       *service.ActivityService
	generator      *service.GenerationRunner

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	startOnce   sync.Once
	started     bool
	background  sync.WaitGroup
}

// NewServer connects to the database and Redis, applies the schema and
// builds a server on top of them.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := idgen.Init(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := database.ApplySchema(context.Background(), db, cfg); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	// nil when Redis is unreachable; presence and the redis limiter fall back to local state
	redisClient := cache.NewRedis(cfg.RedisURL)

	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	profiles, err := ratelimit.ParseProfiles(
		ratelimit.Limit{Rate: cfg.RateLimitDefaultRPS, Burst: cfg.RateLimitDefaultBurst},
		cfg.RateLimitProfiles, cfg.RateLimitAssignments)
	if err != nil {
		return nil, fmt.Errorf("rate limit profiles: %w", err)
	}
	dropStrategy, err := realtime.ParseDropStrategy(cfg.StreamDropStrategy)
	if err != nil {
		return nil, err
	}

	store := newLimitStore(cfg.RateLimitStore, db, redisClient)
	gate := ratelimit.NewLimiter(store, profiles)

	eventLog := eventlog.NewLog(repository.NewEventLogRepository(db))
	hub := realtime.NewHub(eventlog.NewSequencer(db), eventLog, realtime.HubConfig{
		QueueCapacity:     cfg.StreamQueueCapacity,
		DropStrategy:      dropStrategy,
		WarnRatio:         cfg.StreamWarnRatio,
		HeartbeatInterval: cfg.StreamHeartbeatInterval,
		RecentBuffer:      cfg.StreamRecentBuffer,
		ReplayLimit:       cfg.EventReplayLimit,
	})
	pruner := eventlog.NewPruner(eventLog, eventlog.PrunePolicy{
		Retention:  cfg.EventLogRetention,
		MaxEntries: cfg.EventLogMaxPerConversation,
		BatchSize:  cfg.EventLogPruneBatch,
	}, cfg.EventLogPruneInterval, hub)

	presence := realtime.NewPresenceTracker(redisClient, realtime.PresenceConfig{
		OfflineGrace: cfg.PresenceOfflineGrace,
	})

	convs := repository.NewConversationRepository(db)
	messages := repository.NewMessageRepository(db)
	roles := cache.NewRoleCache(roleCacheTTL)

	threads := service.NewThreadService(db, messages, convs, gate, hub, roles)
	activity := service.NewActivityService(repository.NewActivityRepository(db), messages, convs,
		gate, hub, presence, roles, cfg.TypingTTL)
	presence.SetOnChange(activity.PresenceChanged)

	// a nil *OpenAISource must stay a nil interface so generation reports disabled
	var source service.ChunkSource
	if src := assistant.NewOpenAISource(assistant.Config{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: cfg.AssistantSystemPrompt,
	}); src != nil {
		source = src
		observability.GlobalLogger.Info("assistant replies enabled", slog.String("model", src.Model()))
	}

	shutdownCtx, shutdownFn := context.WithCancel(context.Background())

	return &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("loom-api"),
		auth:           middleware.NewAuthenticator(cfg.JWTSecret),
		limiter:        gate,
		limitStore:     store,
		eventLog:       eventLog,
		hub:            hub,
		pruner:         pruner,
		presence:       presence,
		threads:        threads,
		members:        service.NewMembershipService(db, convs, gate, hub, hub, roles),
		activity:       activity,
		generator:      service.NewGenerationRunner(threads, source),
		shutdownCtx:    shutdownCtx,
		shutdownFn:     shutdownFn,
	}, nil
}

// newLimitStore picks the limiter backend. Redis falls back to the database
// when no client is available.
func newLimitStore(kind string, db *gorm.DB, redisClient *redis.Client) ratelimit.Store {
	switch kind {
	case "memory":
		return ratelimit.NewMemoryStore()
	case "redis":
		if redisClient != nil {
			return ratelimit.NewRedisStore(redisClient)
		}
		observability.GlobalLogger.Warn("RATE_LIMIT_STORE=redis but redis is unavailable, using database store")
	}
	return ratelimit.NewGormStore(db)
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected browser requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Last-Event-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		ExposeHeaders:    "Retry-After",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Coarse per-IP flood guard; per-user write admission is the GCRA limiter.
	app.Use(limiter.New(limiter.Config{
		Max:        600,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return respondError(c, fiber.NewError(fiber.StatusTooManyRequests, "Too many requests, please try again later."))
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")
	protected := api.Group("", s.auth.AuthRequired())
	subscribe := middleware.RateLimit(s.limiter, ratelimit.OpSubscribe)

	// Conversation routes
	conversations := protected.Group("/conversations")
	conversations.Post("/", s.CreateConversation)
	conversations.Get("/", s.ListConversations)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	conversations.Post("/:id/archive", s.ArchiveConversation)
	conversations.Post("/:id/members", s.AddMember)
	conversations.Patch("/:id/members/:userId", s.ChangeMemberRole)
	conversations.Delete("/:id/members/:userId", s.RemoveMember)
	conversations.Post("/:id/leave", s.LeaveConversation)
	conversations.Post("/:id/invites", s.CreateInvite)
	conversations.Get("/:id/presence", s.ListPresence)

	// Threads
	conversations.Get("/:id/threads", s.ListThreads)
	conversations.Post("/:id/threads", s.CreateThread)
	conversations.Get("/:id/threads/:rootId/typing", s.ActiveTyping)
	conversations.Post("/:id/threads/:rootId/typing", s.SetTyping)
	conversations.Post("/:id/threads/:rootId/read", s.MarkRead)
	conversations.Get("/:id/threads/:rootId/unread", s.UnreadCount)
	conversations.Post("/:id/messages/:messageId/generate", s.GenerateReply)

	// Event streams
	conversations.Get("/:id/events/replay", subscribe, s.ReplayEvents)
	conversations.Get("/:id/events", subscribe, s.StreamEvents)
	conversations.Get("/:id/ws", subscribe, s.UpgradeStream, websocket.New(s.ServeStreamSocket))
	// Generic /:id route must be last
	conversations.Get("/:id", s.GetConversation)

	protected.Post("/invites/:token/accept", s.AcceptInvite)
	protected.Put("/presence", s.SetPresence)

	// Message routes
	messages := protected.Group("/messages")
	messages.Post("/:messageId/replies", s.Reply)
	messages.Get("/:messageId/subtree", s.GetSubtree)
	messages.Post("/:messageId/restore", s.RestoreMessage)
	messages.Post("/:messageId/stream", s.BeginStream)
	messages.Get("/:messageId/chunks", s.ListChunks)
	messages.Put("/:messageId/chunks/:idx", s.AppendChunk)
	messages.Post("/:messageId/finish", s.FinishStream)
	messages.Get("/:messageId", s.GetMessage)
	messages.Patch("/:messageId", s.EditMessage)
	messages.Delete("/:messageId", s.DeleteMessage)
}

// Start launches the background loops: log pruning, the presence reaper and
// the maintenance sweep. It is a no-op after the first call.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.started = true
		s.pruner.Start()
		s.presence.Start()
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.maintenanceLoop(maintenanceInterval)
		}()
	})
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	// Redis is optional: without it presence and rate limits stay process-local.
	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database":        dbStatus,
			"redis":           redisStatus,
			"pending_events":  s.hub.PendingCount(),
			"assistant_ready": s.generator.Enabled(),
		},
		"time": time.Now(),
	})
}

// Shutdown stops background work, closes every stream and releases the
// database and Redis connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}
	s.background.Wait()
	if s.started {
		s.pruner.Stop()
	}
	s.presence.Stop()

	// closing subscriptions cancels generations bound to them
	if err := s.hub.Shutdown(ctx); err != nil {
		observability.GlobalLogger.Error("error shutting down "+s.hub.Name(), slog.String("error", err.Error()))
	}

	generated := make(chan struct{})
	go func() {
		s.generator.Wait()
		close(generated)
	}()
	select {
	case <-generated:
	case <-ctx.Done():
		observability.GlobalLogger.Warn("shutdown deadline reached with generations still running")
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			observability.GlobalLogger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			observability.GlobalLogger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	observability.GlobalLogger.Info("Server shutdown complete")
	return nil
}
