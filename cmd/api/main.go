package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nodeimage/internal/admission"
	"nodeimage/internal/blacklist"
	"nodeimage/internal/cache"
	"nodeimage/internal/clock"
	"nodeimage/internal/config"
	"nodeimage/internal/database"
	"nodeimage/internal/handlers"
	"nodeimage/internal/jobs"
	"nodeimage/internal/log"
	"nodeimage/internal/moderation"
	"nodeimage/internal/notify"
	"nodeimage/internal/provider"
	"nodeimage/internal/repository"
	"nodeimage/internal/server"
	"nodeimage/internal/service"
	"nodeimage/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure bucket failed")
	}

	wallClock := clock.Real{}
	imageRepo := repository.NewImageRepository(dbPool)
	taskRepo := repository.NewTaskRepository(dbPool)
	blocked := blacklist.NewRedisBlacklist(redisClient, cfg.Blacklist.Key)

	detacher := moderation.NewAsyncDetacher(logger, 10*time.Second)
	providerCfg := cfg.Moderation.Provider
	processor := moderation.NewProcessor(moderation.Config{
		PollInterval:     cfg.Moderation.PollInterval,
		BackoffInterval:  cfg.Moderation.BackoffInterval,
		MaxRetries:       cfg.Moderation.MaxRetries,
		ProviderTimeout:  cfg.Moderation.ProviderTimeout,
		ScreeningEnabled: cfg.Moderation.Enabled,
		AutoEnforce:      cfg.Moderation.AutoEnforce,
	}, moderation.Deps{
		Store: taskRepo,
		Provider: provider.NewHTTPProvider(
			providerCfg.Endpoint,
			providerCfg.APIKey,
			cfg.Moderation.ThresholdBlock,
			objectStore,
			provider.WithRateLimit(providerCfg.RPS, providerCfg.Burst),
			provider.WithName(providerCfg.Name),
		),
		Subjects:  imageRepo,
		Blacklist: blocked,
		Notifier:  notify.NewStreamNotifier(redisClient, cfg.Notify.Stream, cfg.Notify.MaxLen),
		Detacher:  detacher,
		Clock:     wallClock,
		Logger:    logger,
	})

	controller := admission.NewDefaultController(cfg.Admission.Window, wallClock)
	uploadDeps := service.UploadDeps{
		Objects:   objectStore,
		Images:    imageRepo,
		Tasks:     taskRepo,
		Blocked:   blocked,
		Admission: controller,
		Clock:     wallClock,
		Logger:    logger,
	}
	if cfg.Admission.Stats.Enabled {
		uploadDeps.Stats = admission.NewRedisStats(redisClient,
			admission.WithStatsPrefix(cfg.Admission.Stats.Prefix),
			admission.WithStatsTTL(cfg.Admission.Stats.TTL),
		)
	}
	uploads := service.NewUploadService(cfg, uploadDeps)

	handlerSet := handlers.NewHandlerSet(logger, cfg, handlers.Deps{
		Uploads:   uploads,
		Processor: processor,
		Images:    imageRepo,
		Tasks:     taskRepo,
		Blacklist: blocked,
		Links:     objectStore,
		Checks: map[string]handlers.HealthCheck{
			"database": dbPool.Ping,
			"cache": func(ctx context.Context) error {
				return cache.Ping(ctx, redisClient)
			},
			"storage": objectStore.Ping,
		},
		Clock: wallClock,
	})
	httpServer, err := server.NewHTTPServer(cfg, logger, handlerSet)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build http server")
	}

	scheduler := jobs.NewScheduler(jobs.Config{
		JanitorSchedule: cfg.Admission.JanitorSchedule,
		IdleTTL:         cfg.Admission.IdleTTL,
	}, controller, taskRepo, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	// the loop runs even with screening off so queued tasks drain as skipped
	processor.Start(ctx)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, processor, detacher, scheduler, dbPool, redisClient)
}

func waitForShutdown(
	logger zerolog.Logger,
	srv *server.HTTPServer,
	processor *moderation.Processor,
	detacher *moderation.AsyncDetacher,
	scheduler *jobs.Scheduler,
	db *pgxpool.Pool,
	redisClient *redis.Client,
) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	processor.Stop()
	if err := processor.Drain(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("moderation task still running at shutdown")
	}
	if err := detacher.Wait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("detached jobs still running at shutdown")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler stop failed")
	}

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
