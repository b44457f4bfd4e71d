package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/retrieval"
	"github.com/timmy/movierec/internal/service"
	"github.com/timmy/movierec/internal/storage"
)

var stages = []string{"sample", "coldstart", "collaborative", "reranker", "evaluate", "publish"}

func main() {
	appLogger := logger.New(&logger.Options{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "movierec-train",
	})
	logger.SetDefaultLogger(appLogger)

	stage := flag.String("stage", "", fmt.Sprintf("Pipeline stage to run, one of %v or all", stages))
	version := flag.String("version", "", "Model version to publish (publish and all)")
	k := flag.Int("k", 10, "Cutoff for HitRate@k (evaluate)")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	appLogger = logger.New(&logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		FileOnly:    cfg.Log.FileOnly,
		ServiceName: "movierec-train",
		MaxSizeMB:   100,
		MaxBackups:  7,
		MaxAgeDays:  30,
		Compress:    true,
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	selected := []string{*stage}
	if *stage == "all" {
		selected = stages
	}
	for _, s := range selected {
		if !validStage(s) {
			appLogger.Fatalf("Unknown stage %q, want one of %v or all", s, stages)
		}
	}
	for _, s := range selected {
		if s == "publish" && *version == "" {
			appLogger.Fatal("publish requires -version")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		appLogger.Warn("Received shutdown signal, cancelling current stage")
		cancel()
	}()
	ctx = logger.SetJobID(logger.SetComponent(ctx, "train"), fmt.Sprintf("train-%d", time.Now().Unix()))

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

	var locker retrieval.Locker
	if cfg.Redis.Enabled() {
		redisLocker := retrieval.NewRedisLocker(cfg.Redis)
		defer redisLocker.Close()
		locker = redisLocker
	}
	refresher := retrieval.NewRefresher(ratingRepo, statsRepo, embeddingRepo, index, locker, cfg.Retrieval.MaxHistory)

	encoder := service.NewSentenceEncoder(cfg.Encoder)
	catalog := service.NewCatalogService(movieRepo, ratingRepo, statsRepo, embeddingRepo, index, encoder, refresher, cfg.Sampling.Workers)
	ws, err := service.NewWorkspace(cfg.Training.DataDir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open workspace")
	}
	runs := repository.NewRunRepository(db)
	pipeline := service.NewPipeline(cfg, ratingRepo, movieRepo, statsRepo, catalog, artifact.NewStore(objectStorage, cfg.Storage.Prefix), ws)

	for _, s := range selected {
		run, err := runs.Start(ctx, s, *version)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to record pipeline run")
		}
		summary, stageErr := runStage(ctx, pipeline, s, *version, *k)
		if err := runs.Finish(context.Background(), run, summary, stageErr); err != nil {
			appLogger.WithError(err).Warn("Failed to record pipeline run result")
		}
		if stageErr != nil {
			appLogger.WithError(stageErr).WithField("stage", s).Fatal("Stage failed")
		}
		logger.With(logger.Fields{"stage": s, logger.FieldJobID: run.ID}).
			WithDuration(run.Duration().Milliseconds()).
			Info(ctx, "Stage %s finished: %s", s, summary)
	}
}

func validStage(s string) bool {
	for _, known := range stages {
		if s == known {
			return true
		}
	}
	return false
}

func runStage(ctx context.Context, p *service.Pipeline, stage, version string, k int) (string, error) {
	switch stage {
	case "sample":
		return "negatives sampled", p.Sample(ctx)
	case "coldstart":
		report, err := p.TrainColdStart(ctx)
		if err != nil {
			return "", err
		}
		logger.With(logger.Fields{logger.FieldMode: "coldstart"}).WithLoss(report.FinalLoss()).
			Info(ctx, "Cold-start towers trained for %d epochs", len(report.EpochLosses))
		return fmt.Sprintf("final loss %.4f", report.FinalLoss()), nil
	case "collaborative":
		report, err := p.TrainCollaborative(ctx)
		if err != nil {
			return "", err
		}
		logger.With(logger.Fields{logger.FieldMode: "collaborative"}).WithLoss(report.FinalLoss()).
			Info(ctx, "Personalized movie tower trained for %d epochs", len(report.EpochLosses))
		return fmt.Sprintf("final loss %.4f", report.FinalLoss()), nil
	case "reranker":
		report, err := p.TrainReranker(ctx)
		if err != nil {
			return "", err
		}
		logger.With(logger.Fields{"best_iteration": report.BestIteration, "train_ndcg": report.TrainNDCG, "valid_ndcg": report.ValidNDCG}).
			Info(ctx, "Reranker trained for %d iterations", report.Iterations)
		return fmt.Sprintf("valid ndcg@10 %.4f at iteration %d", report.ValidNDCG, report.BestIteration), nil
	case "evaluate":
		results, err := p.Evaluate(ctx, k)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(results))
		for i, r := range results {
			logger.With(logger.Fields{"metric": r.Name, "hits": r.Hits, "total": r.Total}).
				Info(ctx, "%s HitRate@%d = %.4f", r.Name, r.K, r.HitRate())
			parts[i] = fmt.Sprintf("%s=%.4f", r.Name, r.HitRate())
		}
		return strings.Join(parts, " "), nil
	case "publish":
		stats, err := p.Publish(ctx, version)
		if err != nil {
			return "", err
		}
		logger.With(logger.Fields{logger.FieldModelVersion: stats.Version, "genre_users": stats.GenreUsers, "refreshed_users": stats.RefreshedUsers}).
			WithCount(stats.Movies).
			WithDuration(stats.EndTime.Sub(stats.StartTime).Milliseconds()).
			Info(ctx, "Published and activated %s", stats.Version)
		return fmt.Sprintf("%d movies, %d users refreshed", stats.Movies, stats.RefreshedUsers), nil
	}
	return "", fmt.Errorf("unknown stage %q", stage)
}
