package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/dedup"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/importer"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/cache"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/database"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/database/repositories"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/queue"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/storage"
	"github.com/alejandroruanova/bulk-import-service/internal/pkg/config"
	"github.com/alejandroruanova/bulk-import-service/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logger.Initialize(cfg.Environment)
	cfg.LogConfig()

	db, err := database.NewPostgresDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(&domain.ImportJob{}, &domain.ImportRecord{}); err != nil {
		appLogger.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisCache, err := cache.NewRedisCache(&cfg.Cache, appLogger)
	if err != nil {
		appLogger.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisCache.Close()

	blobs, err := storage.NewLocalStorage(&cfg.Storage, appLogger)
	if err != nil {
		appLogger.Error("storage init failed", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := queue.NewAsynqServer(&cfg.Queue, appLogger)
	if err != nil {
		appLogger.Error("queue server init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := repositories.NewImportJobRepository(db.DB, cfg.Import.ErrorLogCap, appLogger)
	records := repositories.NewImportRecordRepository(db.DB, appLogger)
	signals := cache.NewSignalStore(redisCache, appLogger)

	supervisor := importer.NewSupervisor(
		jobs,
		records,
		blobs,
		signals,
		parsers.NewFactory(nil),
		nil, // module schemas; nil means every module uses the default
		dedup.NewKeyBuilder(),
		nil, // validators; nil means the structural default
		importer.SupervisorConfig{
			ChunkSize:        cfg.Import.ChunkSize,
			MaxWriteAttempts: cfg.Import.MaxWriteAttempts,
			RetryBaseDelay:   time.Duration(cfg.Import.RetryBaseDelayMs) * time.Millisecond,
			HeartbeatStale:   time.Duration(cfg.Import.HeartbeatStaleSec) * time.Second,
			ErrorLogCap:      cfg.Import.ErrorLogCap,
		},
		logger.NewServiceLogger("import-supervisor"),
	)

	server.HandleFunc(queue.TaskTypeImportProcess, queue.HandleProcessTask(supervisor))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("shutdown signal received", slog.String("signal", sig.String()))
		server.Shutdown()
	case err := <-errCh:
		if err != nil {
			appLogger.Error("queue server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
