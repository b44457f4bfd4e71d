package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/repository"
)

// HardCandidateCap bounds every candidate pool.
const HardCandidateCap = 300

// Retriever produces the candidate pool for a recommendation request.
type Retriever struct {
	ratings    *repository.RatingRepository
	movies     *repository.MovieRepository
	embeddings *repository.EmbeddingRepository
	index      repository.VectorIndex
	refresher  *Refresher
	cfg        config.RetrievalConfig
}

// NewRetriever creates a Retriever.
// Parameters:
//   - ratings: rating counts, seen sets and neighbor positives.
//   - movies: catalog reads for exploration picks.
//   - embeddings: user embedding tables.
//   - index: ANN index holding the movie and user collections.
//   - refresher: keeps personalized embeddings fresh.
//   - cfg: thresholds and pool sizes.
// Returns:
//   - *Retriever: ready to use.
func NewRetriever(
	ratings *repository.RatingRepository,
	movies *repository.MovieRepository,
	embeddings *repository.EmbeddingRepository,
	index repository.VectorIndex,
	refresher *Refresher,
	cfg config.RetrievalConfig,
) *Retriever {
	if cfg.MaxCandidates <= 0 || cfg.MaxCandidates > HardCandidateCap {
		cfg.MaxCandidates = HardCandidateCap
	}
	return &Retriever{
		ratings:    ratings,
		movies:     movies,
		embeddings: embeddings,
		index:      index,
		refresher:  refresher,
		cfg:        cfg,
	}
}

// Resolve decides the retrieval path for a user and loads the embedding it
// needs. Personalized retrieval requires enough rating users platform-wide and
// enough positives from this user; everything else is cold start.
// Parameters:
//   - ctx: request context.
//   - userID: requesting user.
// Returns:
//   - Mode: *ColdStart or *Personalized.
//   - error: NotFound when the user has not finished onboarding.
func (r *Retriever) Resolve(ctx context.Context, userID string) (Mode, error) {
	user, err := r.ratings.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	raters, err := r.ratings.CountUsersWithRatings(ctx)
	if err != nil {
		return nil, err
	}
	positives, err := r.ratings.CountPositiveRatings(ctx, userID)
	if err != nil {
		return nil, err
	}

	if raters >= int64(r.cfg.MinUsersWithRatings) && positives >= int64(r.cfg.MinPositiveRatings) && positives > 0 {
		if _, err := r.refresher.Ensure(ctx, userID); err != nil {
			return nil, err
		}
		emb, err := r.embeddings.UserEmbedding(ctx, domain.TableUserEmbedding, userID)
		if err == nil {
			return &Personalized{Embedding: emb, PositiveCount: positives}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		// no personalized embedding row yet (e.g. positives lack embeddings)
		logger.CtxWarn(ctx, "User %s has %d positives but no personalized embedding, using cold start", userID, positives)
	}

	emb, err := r.embeddings.UserEmbedding(ctx, domain.TableUserGenreEmbedding, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("retrieve", "user %s has not selected genres yet", userID)
	}
	if err != nil {
		return nil, err
	}
	return &ColdStart{Genres: user.Genres, Embedding: emb}, nil
}

// Retrieve resolves the mode and builds the candidate pool for userID.
func (r *Retriever) Retrieve(ctx context.Context, userID string) (*Result, error) {
	start := time.Now()
	defer metrics.ObserveStage("retrieve", start)

	mode, err := r.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen, err := r.ratings.SeenMovieIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var candidates []domain.Candidate
	switch m := mode.(type) {
	case *ColdStart:
		candidates, err = r.coldStart(ctx, m, seen)
	case *Personalized:
		candidates, err = r.personalized(ctx, userID, m, seen)
	}
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{"user_id": userID, "mode": mode.Name()}).
		WithCount(len(candidates)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Retrieved candidates")
	return &Result{Mode: mode, Candidates: candidates}, nil
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// coldStart returns genre-matched ANN hits plus random picks outside those
// genres. The picks carry SentinelDistance so they sort after every hit.
func (r *Retriever) coldStart(ctx context.Context, m *ColdStart, seen map[string]struct{}) ([]domain.Candidate, error) {
	exclude := setKeys(seen)
	hits, err := r.index.Nearest(ctx, repository.CollectionMoviesColdStart, m.Embedding, r.cfg.ColdStartGenreLimit, &repository.VectorFilter{
		AnyGenres:  m.Genres,
		ExcludeIDs: exclude,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(hits)+r.cfg.ColdStartRandom)
	for _, h := range hits {
		candidates = append(candidates, domain.Candidate{MovieID: h.ID, Distance: h.Distance})
		exclude = append(exclude, h.ID)
	}

	picks, err := r.movies.RandomOutsideGenres(ctx, m.Genres, exclude, r.cfg.ColdStartRandom)
	if err != nil {
		return nil, err
	}
	for _, p := range picks {
		candidates = append(candidates, domain.Candidate{MovieID: p.MovieID, Distance: domain.SentinelDistance, Random: true})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	return candidates, nil
}

// personalized pools the positives of the most similar users and ranks them
// by how many of those users liked each movie.
func (r *Retriever) personalized(ctx context.Context, userID string, m *Personalized, seen map[string]struct{}) ([]domain.Candidate, error) {
	neighbors, err := r.index.Nearest(ctx, repository.CollectionUsers, m.Embedding, r.cfg.SimilarUsers, &repository.VectorFilter{
		ExcludeIDs: []string{userID},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.ID)
	}

	positives, err := r.ratings.PositivesByUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, movies := range positives {
		for _, id := range movies {
			if _, skip := seen[id]; !skip {
				counts[id]++
			}
		}
	}

	ranked := domain.RankByFrequency(counts, r.cfg.MaxCandidates)
	candidates := make([]domain.Candidate, len(ranked))
	for i, id := range ranked {
		candidates[i] = domain.Candidate{MovieID: id, Frequency: counts[id]}
	}
	return candidates, nil
}
