package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/handler"
	"github.com/stemforge/api/internal/middleware"
	"github.com/stemforge/api/internal/orchestrator"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/upload"
	ws "github.com/stemforge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Open the durable store
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// Redis backs the rate limiter; the server runs without it.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, rate limiting disabled: %v", err)
		redisClient = nil
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	events := progress.NewBroadcaster(hub)

	uploads, err := upload.NewManager(cfg.Storage.UploadDir, st, events)
	if err != nil {
		log.Fatalf("Failed to init upload manager: %v", err)
	}

	// Register processing models. Simulated backends stand in until real
	// model services are attached.
	registry := processor.NewRegistry()
	orch := orchestrator.New(st, uploads, registry, events)
	for _, name := range []string{"demucs", "whisper", "musicgen", "pitch_analysis", "karaoke"} {
		sim := processor.NewSimulated(cfg.Storage.OutputDir)
		sim.OnProgress = orch.UpdateJobProgress
		registry.Register(name, sim)
	}
	orch.SetPollInterval(cfg.Poller.Interval)

	// QUEUE_URL switches dispatch onto the distributed queue.
	if cfg.Queue.URL != "" {
		opt, err := asynq.ParseRedisURI(cfg.Queue.URL)
		if err != nil {
			log.Fatalf("Invalid queue URL: %v", err)
		}
		asynqClient := asynq.NewClient(opt)
		defer asynqClient.Close()
		orch.UseQueue(asynqClient)
		log.Printf("Distributed queue enabled (%s)", cfg.Queue.URL)
	}

	orch.Start()
	defer orch.Stop()

	// Initialize handlers
	uploadHandler := handler.NewUploadHandler(uploads, validate)
	songHandler := handler.NewSongHandler(st, uploads, cfg.Storage.OutputDir, validate)
	jobHandler := handler.NewJobHandler(st, orch, registry)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Chunk-Index",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": redisClient != nil,
				"queue": cfg.Queue.URL != "",
			},
		})
	})

	// Upload routes
	app.Post("/upload", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), uploadHandler.Single)
	sessions := app.Group("/uploads", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour))
	sessions.Post("/", uploadHandler.CreateSession)
	sessions.Post("/:uploadId/chunk", uploadHandler.AppendChunk)
	sessions.Post("/:uploadId/complete", uploadHandler.Complete)

	// Song routes
	app.Get("/songs", songHandler.List)
	app.Get("/songs/:fileId", songHandler.Get)
	app.Patch("/songs/:fileId", songHandler.Patch)
	app.Delete("/songs/:fileId", songHandler.Delete)
	app.Get("/download/:fileId", songHandler.Download)
	app.Get("/download/:fileId/:artifactKey", songHandler.Download)
	app.Delete("/cleanup/:fileId", songHandler.Cleanup)
	app.Post("/proxy-audio", songHandler.ProxyAudio)

	// Job routes
	app.Get("/models", jobHandler.Models)
	app.Post("/process/:model/:fileId", rateLimiter.ProcessLimit(cfg.RateLimit.ProcessPerHour), jobHandler.Process)
	app.Get("/status/:jobId", jobHandler.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/progress", websocket.New(hub.HandleConnection))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
