package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/data/db"
	"github.com/chaptercast/chaptercast-backend/internal/gateway"
	httpH "github.com/chaptercast/chaptercast-backend/internal/http/handlers"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/generate_audio"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/generate_images"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/generate_prompts"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/generate_prompts_by_ids"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/parse_document"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/retry_failed_project"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/synthesize_video"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/worker"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/observability"
	"github.com/chaptercast/chaptercast-backend/internal/platform/envutil"
	"github.com/chaptercast/chaptercast-backend/internal/platform/keycipher"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/realtime"
	"github.com/chaptercast/chaptercast-backend/internal/realtime/bus"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/server"
	"github.com/chaptercast/chaptercast-backend/internal/services"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
	"github.com/chaptercast/chaptercast-backend/internal/transcribe"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logMode := "development"
	if cfg.Mode == "prod" {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "chaptercast-backend",
		Environment: cfg.Mode,
		Version:     envutil.Str("APP_VERSION", "dev"),
	})

	// Database
	gdb, err := db.Open(cfg, log)
	if err != nil {
		log.Fatal("open database", "error", err)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		log.Fatal("auto migrate", "error", err)
	}

	// Object store
	store, err := storage.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("open object store", "error", err)
	}
	cell := storage.NewConfigCell(store)

	// Realtime: WS hub fed by the progress bus. With no Redis address the
	// bus is in-process and the forwarder is a passthrough.
	hub := realtime.NewHub(log)
	progressBus, err := bus.New(log, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatal("open progress bus", "error", err)
	}
	defer progressBus.Close()
	if err := progressBus.StartForwarder(ctx, hub.Broadcast); err != nil {
		log.Fatal("start progress forwarder", "error", err)
	}
	notifier := services.NewTaskNotifier(progressBus)

	// Repos
	userRepo := repos.NewUserRepo(gdb, log)
	projectRepo := repos.NewProjectRepo(gdb, log)
	chapterRepo := repos.NewChapterRepo(gdb, log)
	paragraphRepo := repos.NewParagraphRepo(gdb, log)
	sentenceRepo := repos.NewSentenceRepo(gdb, log)
	videoTaskRepo := repos.NewVideoTaskRepo(gdb, log)
	apiKeyRepo := repos.NewAPIKeyRepo(gdb, log)
	backgroundRepo := repos.NewBackgroundRepo(gdb, log)
	taskRunRepo := repos.NewTaskRunRepo(gdb, log)

	// Provider gateway
	cipher, err := keycipher.New(cfg.KeyCipherSecret)
	if err != nil {
		log.Fatal("init key cipher", "error", err)
	}
	gw := gateway.New(apiKeyRepo, cipher, cfg.ProviderMaxConcurrency, log)

	// Media stack
	tools := media.NewTools(cfg, log)
	compositor := media.NewCompositor(tools, cfg.FontFile, cfg.ClipTimeout, cfg.ConcatTimeout, log)
	transcriber, err := transcribe.New(cfg, log)
	if err != nil {
		log.Fatal("init transcriber", "error", err)
	}
	resolver := materials.NewResolver(store, log)
	synth := media.NewSentenceSynthesizer(resolver, transcriber, tools, compositor, log)

	// Services
	taskService := services.NewTaskService(gdb, log, taskRunRepo, notifier)
	coverService := services.NewCoverService(cell, cfg.FontFile, log)
	authService := services.NewAuthService(gdb, log, userRepo, cfg.JWTSecretKey, cfg.AccessTokenTTL)
	projectService := services.NewProjectService(gdb, log, projectRepo, cell, coverService, taskService)
	chapterService := services.NewChapterService(gdb, log, projectRepo, chapterRepo, paragraphRepo, sentenceRepo)
	paragraphService := services.NewParagraphService(gdb, log, projectRepo, chapterRepo, paragraphRepo, sentenceRepo)
	sentenceService := services.NewSentenceService(gdb, log, projectRepo, chapterRepo, paragraphRepo, sentenceRepo)
	apiKeyService := services.NewAPIKeyService(gdb, log, apiKeyRepo, cipher)
	backgroundService := services.NewBackgroundService(gdb, log, backgroundRepo, cell, tools)
	generationService := services.NewGenerationService(gdb, log, projectRepo, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, taskService)
	videoTaskService := services.NewVideoTaskService(gdb, log, projectRepo, chapterRepo, videoTaskRepo, apiKeyRepo, backgroundRepo, taskService)

	// Worker
	if cfg.WorkerDisabled {
		log.Info("worker disabled, serving HTTP only")
	} else {
		registry := jobrt.NewRegistry()
		pipelines := []jobrt.Handler{
			parse_document.New(gdb, log, projectRepo, chapterRepo, paragraphRepo, sentenceRepo, videoTaskRepo, resolver, tools),
			retry_failed_project.New(gdb, log, projectRepo, taskService),
			generate_prompts.New(gdb, log, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, gw, store),
			generate_prompts_by_ids.New(gdb, log, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, gw, store),
			generate_images.New(gdb, log, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, gw, store),
			generate_audio.New(gdb, log, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, gw, store),
			synthesize_video.New(gdb, log, videoTaskRepo, chapterRepo, paragraphRepo, sentenceRepo, apiKeyRepo, backgroundRepo, gw, synth, tools, compositor, resolver, store, envutil.Int("CLIP_PARALLEL", 0)),
		}
		for _, p := range pipelines {
			if err := registry.Register(p); err != nil {
				log.Fatal("register pipeline", "error", err)
			}
		}
		worker.NewWorker(gdb, log, taskRunRepo, registry, notifier, cfg.WorkerConcurrency).Start(ctx)
	}

	// HTTP surface
	authMiddleware := middleware.NewAuthMiddleware(log, authService)
	engine := server.NewRouter(server.RouterConfig{
		Log:            log,
		Mode:           cfg.Mode,
		AllowedOrigins: cfg.AllowedOrigins,
		TracingEnabled: shutdownTracing != nil,
		AuthMiddleware: authMiddleware,

		HealthHandler:     httpH.NewHealthHandler(),
		AuthHandler:       httpH.NewAuthHandler(authService),
		ProjectHandler:    httpH.NewProjectHandler(projectService),
		ChapterHandler:    httpH.NewChapterHandler(chapterService, videoTaskService),
		ParagraphHandler:  httpH.NewParagraphHandler(paragraphService),
		SentenceHandler:   httpH.NewSentenceHandler(sentenceService),
		APIKeyHandler:     httpH.NewAPIKeyHandler(apiKeyService),
		BackgroundHandler: httpH.NewBackgroundHandler(backgroundService),
		GenerationHandler: httpH.NewGenerationHandler(generationService),
		VideoTaskHandler:  httpH.NewVideoTaskHandler(videoTaskService),
		TaskHandler:       httpH.NewTaskHandler(taskService),
		MaterialHandler:   httpH.NewMaterialHandler(cell, cfg.PresignTTL),
		RealtimeHandler:   httpH.NewRealtimeHandler(log, hub, cfg.AllowedOrigins),
	})

	srv := server.New(log, engine, cfg.Port)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	// Drain HTTP, then flush traces. Worker goroutines stop with ctx; any
	// claimed run they abandon is requeued by the janitor's stale sweep.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}
}
