package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/eval"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/sampling"
	"github.com/timmy/movierec/internal/tower"
	"github.com/timmy/movierec/internal/train"
)

const ratingScanBatch = 5000

// Pipeline runs the offline stages: sample, coldstart, collaborative,
// reranker, evaluate and publish. Each stage reads what earlier stages left
// in the workspace.
type Pipeline struct {
	cfg     *config.Config
	ratings *repository.RatingRepository
	movies  *repository.MovieRepository
	stats   *repository.StatsRepository
	catalog *CatalogService
	store   *artifact.Store
	ws      *Workspace
}

// NewPipeline creates a Pipeline.
func NewPipeline(
	cfg *config.Config,
	ratings *repository.RatingRepository,
	movies *repository.MovieRepository,
	stats *repository.StatsRepository,
	catalog *CatalogService,
	store *artifact.Store,
	ws *Workspace,
) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		ratings: ratings,
		movies:  movies,
		stats:   stats,
		catalog: catalog,
		store:   store,
		ws:      ws,
	}
}

func (p *Pipeline) dims() tower.Dims {
	return tower.Dims{
		Title:     p.cfg.Model.TitleDim,
		Metadata:  p.cfg.Model.MetadataDim,
		Embedding: p.cfg.Model.EmbeddingDim,
	}
}

// trainingData is the catalog and the rating split every stage starts from.
type trainingData struct {
	list    []*domain.Movie
	movies  map[string]*domain.Movie
	dataset *train.Dataset
	genres  map[string][]string
}

func (p *Pipeline) load(ctx context.Context) (*trainingData, error) {
	list, err := p.movies.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	movies := make(map[string]*domain.Movie, len(list))
	for _, m := range list {
		movies[m.MovieID] = m
	}

	var records []train.RatingRecord
	err = p.ratings.AllRatings(ctx, ratingScanBatch, func(batch []domain.Rating) error {
		for _, r := range batch {
			records = append(records, train.RatingRecord{UserID: r.UserID, MovieID: r.MovieID, Rating: r.Rating})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ratings: %w", err)
	}
	if len(records) == 0 {
		return nil, domain.Validation("pipeline", "no ratings to train on")
	}

	ds := train.BuildDataset(records, p.cfg.Training.TestFraction, p.cfg.Training.Seed)
	logger.With(logger.Fields{"users": len(ds.Users), "movies": len(list)}).
		WithCount(len(records)).
		Info(ctx, "Loaded training data")
	return &trainingData{list: list, movies: movies, dataset: ds, genres: ds.TopGenres(movies)}, nil
}

// Sample encodes the catalog and draws the rotating negative sets for both
// training modes.
func (p *Pipeline) Sample(ctx context.Context) error {
	data, err := p.load(ctx)
	if err != nil {
		return err
	}
	encoded, err := p.catalog.EncodeCatalog(ctx)
	if err != nil {
		return err
	}
	if err := p.ws.WriteEncodedCatalog(encoded); err != nil {
		return err
	}

	sampler := sampling.NewSampler(p.cfg.Sampling, data.list)
	histories := data.dataset.Histories(data.genres)
	for _, mode := range []sampling.Mode{sampling.ColdStart, sampling.Collaborative} {
		negs, err := sampler.SampleAll(ctx, mode, histories)
		if err != nil {
			return err
		}
		if err := p.ws.WriteNegatives(mode, negs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) negatives(mode sampling.Mode) (map[string]*sampling.UserNegatives, error) {
	return p.ws.ReadNegatives(mode, p.cfg.Sampling.NumSets, p.cfg.Sampling.NumNegatives)
}

func (p *Pipeline) features(data *trainingData, genres *tower.GenreBinarizer) (map[string]*tower.MovieFeatures, error) {
	encoded, err := p.ws.ReadEncodedCatalog(data.list)
	if err != nil {
		return nil, err
	}
	return encoded.Features(genres)
}

// TrainColdStart fits both towers from genre input and saves them.
func (p *Pipeline) TrainColdStart(ctx context.Context) (*train.Report, error) {
	data, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	lists := make([][]string, len(data.list))
	for i, m := range data.list {
		lists[i] = m.Genres
	}
	genres := tower.FitGenreBinarizer(lists)
	features, err := p.features(data, genres)
	if err != nil {
		return nil, err
	}
	negs, err := p.negatives(sampling.ColdStart)
	if err != nil {
		return nil, err
	}

	model := tower.NewModel(p.dims(), genres, p.cfg.Training.Seed)
	logger.CtxInfo(ctx, "Training cold-start model %s", model)
	report, err := train.NewTrainer(p.cfg.Training, model, features).Train(ctx, sampling.ColdStart, train.Inputs{
		Dataset:    data.dataset,
		Negatives:  negs,
		UserGenres: data.genres,
	})
	if err != nil {
		return nil, err
	}
	return report, p.ws.SaveColdStart(model)
}

// TrainCollaborative fits the personalized movie tower against users
// represented by their other positives.
func (p *Pipeline) TrainCollaborative(ctx context.Context) (*train.Report, error) {
	data, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	cold, err := p.ws.LoadColdStart(p.dims())
	if err != nil {
		return nil, err
	}
	features, err := p.features(data, cold.Genres)
	if err != nil {
		return nil, err
	}
	negs, err := p.negatives(sampling.Collaborative)
	if err != nil {
		return nil, err
	}

	model := tower.NewModel(p.dims(), cold.Genres, p.cfg.Training.Seed+1)
	report, err := train.NewTrainer(p.cfg.Training, model, features).Train(ctx, sampling.Collaborative, train.Inputs{
		Dataset:   data.dataset,
		Negatives: negs,
	})
	if err != nil {
		return nil, err
	}
	return report, p.ws.SavePersonalized(model.Movie)
}

// models loads both saved towers. The personalized tower is wrapped in a
// Model sharing the cold-start binarizer.
func (p *Pipeline) models() (cold, personalized *tower.Model, err error) {
	cold, err = p.ws.LoadColdStart(p.dims())
	if err != nil {
		return nil, nil, err
	}
	d := cold.Movie.Dims
	movie, err := p.ws.LoadPersonalized(d)
	if err != nil {
		return nil, nil, err
	}
	return cold, &tower.Model{Movie: movie, User: cold.User, Genres: cold.Genres}, nil
}

func (p *Pipeline) rerankInputs(data *trainingData, personalized *tower.Model, features map[string]*tower.MovieFeatures) *eval.RerankInputs {
	movieVecs := eval.EmbedCatalog(personalized, features)
	return &eval.RerankInputs{
		Dataset:      data.dataset,
		Movies:       data.movies,
		Stats:        eval.TrainingMovieStats(data.dataset, data.movies),
		Profiles:     eval.TrainingProfiles(data.dataset, data.movies),
		UserVectors:  eval.UserEmbeddings(movieVecs, data.dataset),
		MovieVectors: movieVecs,
	}
}

// TrainReranker fits the LambdaRank ensemble on training-split ratings with a
// per-user validation split for early stopping.
func (p *Pipeline) TrainReranker(ctx context.Context) (*rerank.FitReport, error) {
	data, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	_, personalized, err := p.models()
	if err != nil {
		return nil, err
	}
	features, err := p.features(data, personalized.Genres)
	if err != nil {
		return nil, err
	}

	in := p.rerankInputs(data, personalized, features)
	groups := eval.RerankGroups(in, rerankYear(p.cfg.Rerank))
	trainGroups, validGroups := rerank.SplitByQuery(groups, p.cfg.Rerank.ValidationFraction)
	ensemble, report, err := rerank.Fit(ctx, rerank.ParamsFromConfig(p.cfg.Rerank), trainGroups, validGroups)
	if err != nil {
		return nil, err
	}
	return report, p.ws.SaveReranker(ensemble)
}

func rerankYear(cfg config.RerankConfig) int {
	if cfg.CurrentYear > 0 {
		return cfg.CurrentYear
	}
	return time.Now().UTC().Year()
}

// Evaluate reports HitRate@k for cold-start retrieval, collaborative
// retrieval and the reranker.
func (p *Pipeline) Evaluate(ctx context.Context, k int) ([]eval.Result, error) {
	data, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	cold, personalized, err := p.models()
	if err != nil {
		return nil, err
	}
	ensemble, err := p.ws.LoadReranker()
	if err != nil {
		return nil, err
	}
	features, err := p.features(data, cold.Genres)
	if err != nil {
		return nil, err
	}

	in := p.rerankInputs(data, personalized, features)
	results := []eval.Result{
		eval.ColdStartHitRate(ctx, cold, eval.EmbedCatalog(cold, features), data.dataset, data.genres, k),
		eval.CollaborativeHitRate(ctx, in.MovieVectors, data.dataset, k, p.cfg.Retrieval.SimilarUsers, p.cfg.Retrieval.MaxCandidates),
		eval.RerankerHitRate(ctx, rerank.NewReranker(ensemble, p.cfg.Rerank), in, k, p.cfg.Rerank.EvalNegatives, p.cfg.Training.Seed),
	}
	return results, nil
}

// Publish uploads the workspace models as version, rebuilds the serving
// tables from the uploaded bundle and activates it.
func (p *Pipeline) Publish(ctx context.Context, version string) (*PublishStats, error) {
	cold, personalized, err := p.models()
	if err != nil {
		return nil, err
	}
	ensemble, err := p.ws.LoadReranker()
	if err != nil {
		return nil, err
	}
	if _, err := p.store.Save(ctx, version, cold, personalized.Movie, ensemble); err != nil {
		return nil, err
	}
	bundle, err := p.store.Load(ctx, version, p.dims())
	if err != nil {
		return nil, err
	}

	n, err := p.stats.RefreshMovieStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh movie stats: %w", err)
	}
	logger.CtxInfo(ctx, "Refreshed stats of %d movies", n)
	stats, err := p.catalog.Publish(ctx, bundle)
	if err != nil {
		return nil, err
	}
	if err := p.store.Activate(ctx, version); err != nil {
		return nil, err
	}
	return stats, nil
}
