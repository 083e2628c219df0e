// Package main is the entry point for the Study Pipeline API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/config"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/database"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/database/memstore"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/handlers"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/router"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/enrich"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/extractor"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/generation"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/llm"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/ocr"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/pipeline"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/storage"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/study"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	// Step 1: Load Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Study Pipeline API starting", "version", Version, "port", cfg.Port,
		"workers", cfg.WorkerCount, "store", cfg.Store, "queue", cfg.Queue)
	gin.SetMode(cfg.GinMode)
	handlers.Version = Version

	ctx := context.Background()

	// Step 2: Storage
	store, closeStore := openStore(cfg, log)
	defer closeStore()

	// Step 3: Job queue
	queue, closeQueue := openQueue(ctx, cfg, log)
	defer closeQueue()
	wp := worker.NewPool(queue, cfg.WorkerCount, cfg.JobMaxAttempts, log)

	// Step 4: Services
	gcsClient, err := storage.NewGCSClient(ctx)
	if err != nil {
		log.Warn("Cloud Storage unavailable; gs:// sources disabled", "error", err)
	} else {
		defer gcsClient.Close()
	}
	fetcher := storage.New(storage.Config{MaxBytes: cfg.MaxDownloadBytes, AllowFile: cfg.GinMode != gin.ReleaseMode}, gcsClient)
	ext := extractor.New(extractor.Config{SofficePath: cfg.SofficePath}, log)

	var ocrFallback pipeline.OCR
	if cfg.OCREnabled {
		engine, err := ocr.NewVisionEngine(ctx)
		if err != nil {
			log.Warn("OCR disabled: Cloud Vision client failed", "error", err)
		} else {
			defer engine.Close()
			ocrFallback = ocr.New(engine, ocr.Pdftoppm{Path: cfg.PdftoppmPath, DPI: cfg.OCRDPI},
				ocr.Config{MaxPages: cfg.OCRMaxPages, Concurrency: cfg.OCRConcurrency}, log)
			log.Info("OCR fallback enabled", "max_pages", cfg.OCRMaxPages, "concurrency", cfg.OCRConcurrency)
		}
	} else {
		log.Warn("OCR disabled (set OCR_ENABLED=true to enable)")
	}

	completer := llm.New(llm.Config{
		APIKey:  cfg.OpenRouterAPIKey,
		Model:   cfg.OpenRouterModel,
		BaseURL: cfg.OpenRouterBaseURL,
		Timeout: cfg.LLMTimeout,
	})
	if cfg.OpenRouterAPIKey == "" {
		log.Warn("OPENROUTER_API_KEY not set; quiz and flashcard generation will fail")
	}
	engine := generation.New(completer, generation.Config{
		Model:          cfg.OpenRouterModel,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	}, log)

	proc := pipeline.New(store, fetcher, ext, ocrFallback, wp, pipeline.Config{}, log)
	studySvc := study.New(store, engine, wp, log)
	tagger := enrich.New(store, log)

	// Step 5: Worker pool
	proc.Register(wp)
	wp.Register(worker.JobEnrichMaterial, tagger.Handle)
	if err := wp.Start(ctx); err != nil {
		log.Fatal("Failed to start workers", "error", err)
	}

	// Step 6: HTTP server
	h := handlers.NewHandler(store, proc, studySvc, wp, log)
	r := router.Setup(h, log, router.Options{
		JWTSecret:          cfg.JWTSecret,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute, // generation waits on the LLM
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server listening", "addr", srv.Addr, "health", fmt.Sprintf("http://localhost:%s/api/v1/health", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	// Step 7: Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Shutting down gracefully", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server forced to shutdown", "error", err)
	}
	if err := wp.Stop(shutdownCtx); err != nil {
		log.Warn("Workers did not finish in time", "error", err)
	}

	log.Info("Server stopped")
}

func openStore(cfg *config.Config, log *logger.Logger) (database.Store, func()) {
	if cfg.Store == "memory" {
		log.Warn("Using in-memory store; data is lost on restart")
		return memstore.New(), func() {}
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	log.Info("Database connected")

	if err := db.RunMigrations(cfg.MigrationsPath, log); err != nil {
		log.Fatal("Migration failed", "error", err)
	}
	return db, func() { _ = db.Close() }
}

func openQueue(ctx context.Context, cfg *config.Config, log *logger.Logger) (worker.Queue, func()) {
	if cfg.Queue == "memory" {
		q := worker.NewMemoryQueue(cfg.JobQueueSize)
		return q, func() { _ = q.Close() }
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
	}
	log.Info("Redis queue connected", "addr", cfg.RedisAddr, "queue", cfg.QueueName)
	return worker.NewRedisQueue(client, cfg.QueueName), func() { _ = client.Close() }
}
