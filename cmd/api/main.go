package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/movierec/internal/api"
	"github.com/timmy/movierec/internal/api/handler"
	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/retrieval"
	"github.com/timmy/movierec/internal/service"
	"github.com/timmy/movierec/internal/storage"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(&logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		ServiceName: cfg.Log.ServiceName,
		MaxSizeMB:   100,
		MaxBackups:  7,
		MaxAgeDays:  30,
		Compress:    true,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx := logger.SetComponent(context.Background(), "api")

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	ratingRepo := repository.NewRatingRepository(db)
	movieRepo := repository.NewMovieRepository(db)
	statsRepo := repository.NewStatsRepository(db)
	embeddingRepo := repository.NewEmbeddingRepository(db)

	index, err := repository.NewVectorIndex(cfg, db)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize vector index")
	}
	defer index.Close()

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}
	store := artifact.NewStore(objectStorage, cfg.Storage.Prefix)

	checks := map[string]handler.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var locker retrieval.Locker
	if cfg.Redis.Enabled() {
		redisLocker := retrieval.NewRedisLocker(cfg.Redis)
		if err := redisLocker.Ping(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to redis")
		}
		defer redisLocker.Close()
		locker = redisLocker
		checks["redis"] = redisLocker.Ping
	}

	refresher := retrieval.NewRefresher(ratingRepo, statsRepo, embeddingRepo, index, locker, cfg.Retrieval.MaxHistory)
	retriever := retrieval.NewRetriever(ratingRepo, movieRepo, embeddingRepo, index, refresher, cfg.Retrieval)

	models := service.NewModelService(store, cfg.Model, cfg.Rerank)
	version := cfg.Model.Version
	if version == "" {
		version = artifact.LatestVersion
	}
	if _, err := models.Load(ctx, version); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			appLogger.WithError(err).Fatal("Failed to load model")
		}
		// until a version is published and activated through the admin route
		logger.CtxWarn(ctx, "No model version %s yet, recommendations are unavailable: %v", version, err)
	}

	if cfg.Index.Backend == "memory" {
		catalog := service.NewCatalogService(movieRepo, ratingRepo, statsRepo, embeddingRepo, index, nil, refresher, cfg.Sampling.Workers)
		if _, err := catalog.Reindex(ctx, cfg.Model.EmbeddingDim); err != nil {
			appLogger.WithError(err).Fatal("Failed to rebuild in-memory index")
		}
	}

	router := api.SetupRouter(api.Services{
		Ratings:     service.NewRatingService(ratingRepo, embeddingRepo, models),
		Recommender: service.NewRecommendationService(retriever, refresher, movieRepo, statsRepo, embeddingRepo, models),
		Models:      models,
		Checks:      checks,
	}, cfg.Server)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":                   cfg.Server.Port,
			logger.FieldMode:         cfg.Server.Mode,
			logger.FieldModelVersion: models.Version(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
