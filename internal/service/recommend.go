package service

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/retrieval"
)

// RecommendationService runs the serving pipeline: retrieve, hydrate, rerank.
type RecommendationService struct {
	retriever  *retrieval.Retriever
	refresher  *retrieval.Refresher
	movies     *repository.MovieRepository
	stats      *repository.StatsRepository
	embeddings *repository.EmbeddingRepository
	models     *ModelService
}

// NewRecommendationService creates a RecommendationService.
func NewRecommendationService(
	retriever *retrieval.Retriever,
	refresher *retrieval.Refresher,
	movies *repository.MovieRepository,
	stats *repository.StatsRepository,
	embeddings *repository.EmbeddingRepository,
	models *ModelService,
) *RecommendationService {
	return &RecommendationService{
		retriever:  retriever,
		refresher:  refresher,
		movies:     movies,
		stats:      stats,
		embeddings: embeddings,
		models:     models,
	}
}

// Recommendations is the response of one request.
type Recommendations struct {
	UserID       string                  `json:"user_id"`
	Mode         string                  `json:"mode"`
	ModelVersion string                  `json:"model_version"`
	Candidates   int                     `json:"candidates"`
	Items        []domain.Recommendation `json:"items"`
}

// Recommend returns the top reranked movies for userID. Failures are not
// retried.
// Parameters:
//   - ctx: request context.
//   - userID: requesting user.
// Returns:
//   - *Recommendations: ranked movies, best first.
//   - error: NotFound for unknown or not yet onboarded users.
func (s *RecommendationService) Recommend(ctx context.Context, userID string) (*Recommendations, error) {
	ctx = logger.SetUserID(ctx, userID)
	mode := "unknown"
	resp, err := s.recommend(ctx, userID, &mode)
	outcome := "success"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordRecommendation(mode, outcome)
	return resp, err
}

func (s *RecommendationService) recommend(ctx context.Context, userID string, mode *string) (*Recommendations, error) {
	start := time.Now()
	model, err := s.models.Current()
	if err != nil {
		return nil, err
	}
	ctx = logger.SetModelVersion(ctx, model.Bundle.Version)

	res, err := s.retriever.Retrieve(ctx, userID)
	if err != nil {
		return nil, err
	}
	*mode = res.Mode.Name()

	candidates, profile, err := s.hydrate(ctx, userID, res)
	if err != nil {
		return nil, err
	}
	items := model.Reranker.Rerank(ctx, profile, candidates)

	logger.With(logger.Fields{logger.FieldMode: *mode}).
		WithCount(len(items)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Served %d recommendations from %d candidates", len(items), len(res.Candidates))
	return &Recommendations{
		UserID:       userID,
		Mode:         *mode,
		ModelVersion: model.Bundle.Version,
		Candidates:   len(res.Candidates),
		Items:        items,
	}, nil
}

// hydrate loads metadata, stats and the similarity of each candidate to the
// user embedding the retrieval mode used, plus the user's profile.
func (s *RecommendationService) hydrate(ctx context.Context, userID string, res *retrieval.Result) ([]rerank.Candidate, rerank.UserProfile, error) {
	start := time.Now()
	defer metrics.ObserveStage("hydrate", start)

	ids := make([]string, len(res.Candidates))
	for i, c := range res.Candidates {
		ids[i] = c.MovieID
	}
	movies, err := s.movies.GetByIDs(ctx, ids)
	if err != nil {
		return nil, rerank.UserProfile{}, err
	}
	movieStats, err := s.stats.GetMovieStats(ctx, ids)
	if err != nil {
		return nil, rerank.UserProfile{}, err
	}

	var (
		userVec domain.Vector
		table   string
	)
	switch m := res.Mode.(type) {
	case *retrieval.ColdStart:
		userVec, table = m.Embedding, domain.TableMovieEmbeddingColdStart
	case *retrieval.Personalized:
		userVec, table = m.Embedding, domain.TableMovieEmbeddingPersonalized
	}
	movieVecs, err := s.embeddings.MovieEmbeddings(ctx, table, ids)
	if err != nil {
		return nil, rerank.UserProfile{}, err
	}

	out := make([]rerank.Candidate, len(res.Candidates))
	for i, id := range ids {
		c := rerank.Candidate{Movie: movies[id], Stats: movieStats[id]}
		if v, ok := movieVecs[id]; ok {
			c.Similarity = userVec.Dot(v)
		}
		out[i] = c
	}

	profile := rerank.UserProfile{UserID: userID}
	userStats, err := s.refresher.Ensure(ctx, userID)
	switch {
	case err == nil:
		profile = rerank.ProfileFromStats(userStats)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, rerank.UserProfile{}, err
	}
	return out, profile, nil
}
