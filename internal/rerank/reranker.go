package rerank

import (
	"context"
	"sort"
	"time"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
)

// MaxCandidates bounds the pool a single rerank call scores.
const MaxCandidates = 300

// Reranker scores retrieved candidates with a trained ensemble.
type Reranker struct {
	model       *Ensemble
	topN        int
	currentYear int
}

// NewReranker wraps a validated ensemble. A zero CurrentYear in cfg means the
// year at call time.
func NewReranker(model *Ensemble, cfg config.RerankConfig) *Reranker {
	topN := cfg.TopN
	if topN <= 0 {
		topN = 10
	}
	return &Reranker{model: model, topN: topN, currentYear: cfg.CurrentYear}
}

// Model returns the ensemble in use.
func (r *Reranker) Model() *Ensemble {
	return r.model
}

func (r *Reranker) year() int {
	if r.currentYear > 0 {
		return r.currentYear
	}
	return time.Now().UTC().Year()
}

// Rerank orders candidates by predicted score and returns the top N.
// Parameters:
//   - ctx: request context carrying the logger.
//   - u: user profile built from cached rating stats.
//   - candidates: at most MaxCandidates retrieved movies; extra ones are dropped.
// Returns:
//   - []domain.Recommendation: best first. Candidates without movie metadata are
//     skipped; with fewer than two usable candidates they are returned unscored.
func (r *Reranker) Rerank(ctx context.Context, u UserProfile, candidates []Candidate) []domain.Recommendation {
	start := time.Now()
	defer metrics.ObserveStage("rerank", start)

	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}
	valid := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Movie != nil {
			valid = append(valid, c)
		}
	}
	if dropped := len(candidates) - len(valid); dropped > 0 {
		logger.CtxWarn(ctx, "Skipped %d candidates without metadata", dropped)
	}

	out := make([]domain.Recommendation, 0, len(valid))
	if len(valid) < 2 {
		for _, c := range valid {
			out = append(out, toRecommendation(c.Movie, 0))
		}
		return out
	}

	year := r.year()
	for _, c := range valid {
		out = append(out, toRecommendation(c.Movie, r.model.Predict(Extract(u, c, year))))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > r.topN {
		out = out[:r.topN]
	}

	logger.With(logger.Fields{"user_id": u.UserID}).
		WithCount(len(valid)).
		WithDuration(time.Since(start).Milliseconds()).
		Debug(ctx, "Reranked candidates")
	return out
}

func toRecommendation(m *domain.Movie, score float64) domain.Recommendation {
	return domain.Recommendation{
		MovieID:     m.MovieID,
		Title:       m.Title,
		ReleaseYear: m.ReleaseYear,
		Genres:      m.Genres,
		PosterPath:  m.PosterPath,
		Score:       score,
	}
}
