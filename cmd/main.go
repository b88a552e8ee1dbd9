package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"listingengine/internal/config"
	"listingengine/internal/core/images"
	"listingengine/internal/core/pipeline"
	"listingengine/internal/core/queue"
	"listingengine/internal/core/scrape"
	"listingengine/internal/core/sites"
	"listingengine/internal/core/worker"
	"listingengine/internal/logger"
	"listingengine/internal/platform/eino"
	"listingengine/internal/platform/records"
	rds "listingengine/internal/platform/redis"
	"listingengine/internal/platform/storage"
	tasks "listingengine/internal/platform/tasks"
	"listingengine/internal/server"
	workermux "listingengine/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[listingengine] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	// Initialize logger
	logr := logger.New("main")

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Asynq client and server
	taskClient := tasks.New(redisSvc)
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{"default": 1},
	})

	// Site rules and scrape providers
	siteRules, err := sites.Load(cfg.SiteRulesPath)
	if err != nil {
		log.Fatalf("failed to load site rules: %v", err)
	}
	generic := scrape.NewPlaywrightProvider(scrape.KeywordBlockDetector{})
	scrapeSvc := scrape.NewService(redisSvc, generic, time.Duration(cfg.ScrapeTimeoutMs)*time.Millisecond)
	for _, rule := range siteRules {
		// Portal-specific gallery triggers are tried before the generic ones
		generic.GalleryTriggers = append(generic.GalleryTriggers, rule.GalleryTriggers...)
		if rule.ApifyScraperID != "" {
			scrapeSvc.Register(rule.Domain, scrape.NewStructuredProvider(rule.ApifyScraperID, cfg.ApifyToken))
		}
	}

	// Persistence: Supabase when configured, in-memory for local dev
	var store records.Store
	if cfg.SupabaseURL != "" {
		store, err = records.New(cfg)
		if err != nil {
			log.Fatalf("failed to initialize records store: %v", err)
		}
	} else {
		logr.LogWarnf("Supabase not configured, previews are held in memory only")
		store = records.NewMemoryStore()
	}

	storageSvc, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	imageSvc := images.New(storageSvc, cfg.ImageConcurrency)

	var upscaler images.Upscaler
	if cfg.UpscalerURL != "" {
		upscaler = images.NewHTTPUpscaler(cfg.UpscalerURL, cfg.UpscalerKey)
	}

	// Eino (LLM) service initialized from environment variables
	einoSvc, err := eino.NewService(eino.Config{
		Provider:      cfg.LLMProvider,
		APIKey:        cfg.GeminiAPIKey,
		Model:         cfg.DefaultLLMModel,
		FallbackModel: cfg.FallbackLLMModel,
	})
	if err != nil {
		log.Fatalf("failed to initialize Eino service: %v", err)
	}

	pipelineSvc := pipeline.NewService(einoSvc, imageSvc, upscaler, store,
		time.Duration(cfg.LLMCallTimeoutMs)*time.Millisecond)

	// Queue and worker
	queueSvc := queue.New(redisSvc)
	continuation := worker.NewHTTPContinuation(cfg.SelfBaseURL)
	workerSvc := worker.NewService(queueSvc, scrapeSvc, store, siteRules,
		taskClient, pipelineSvc, continuation, cfg.MaxConcurrentScrapes, cfg.TaskMaxRetries)

	// Worker mux
	mux := workermux.NewMux()
	mux.HandleFunc(tasks.TaskTypePipeline, workerSvc.HandlePipelineTask)

	// Start worker
	_, workerCancel := context.WithCancel(context.Background())
	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Listing Engine",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	// Register routes with health handler
	deps := server.Dependencies{
		Worker: workerSvc,
		Queue:  queueSvc,
		Store:  store,
		Redis:  redisSvc,
	}
	healthHandler := server.RegisterRoutes(app, deps)

	// Mark application as ready after all services are initialized
	go func() {
		time.Sleep(5 * time.Second) // Allow services to fully initialize
		healthHandler.SetReady()
	}()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		workerCancel()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
