package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/retrieval"
	"github.com/timmy/movierec/internal/tower"
)

// CatalogService publishes a model version: it embeds the whole catalog with
// both movie towers, swaps the embedding tables and rebuilds the ANN
// collections and every user embedding that depends on them.
type CatalogService struct {
	movies     *repository.MovieRepository
	ratings    *repository.RatingRepository
	stats      *repository.StatsRepository
	embeddings *repository.EmbeddingRepository
	index      repository.VectorIndex
	encoder    Encoder
	refresher  *retrieval.Refresher
	workers    int
}

// NewCatalogService creates a CatalogService. workers bounds the embedding fan-out.
func NewCatalogService(
	movies *repository.MovieRepository,
	ratings *repository.RatingRepository,
	stats *repository.StatsRepository,
	embeddings *repository.EmbeddingRepository,
	index repository.VectorIndex,
	encoder Encoder,
	refresher *retrieval.Refresher,
	workers int,
) *CatalogService {
	if workers <= 0 {
		workers = 4
	}
	return &CatalogService{
		movies:     movies,
		ratings:    ratings,
		stats:      stats,
		embeddings: embeddings,
		index:      index,
		encoder:    encoder,
		refresher:  refresher,
		workers:    workers,
	}
}

// PublishStats summarizes one publish run.
type PublishStats struct {
	Version        string
	Movies         int
	GenreUsers     int
	RefreshedUsers int
	StartTime      time.Time
	EndTime        time.Time
}

// EncodedCatalog is the catalog with its sentence embeddings, row-aligned.
type EncodedCatalog struct {
	Movies   []*domain.Movie
	Titles   [][]float32
	Metadata [][]float32
}

// Features builds tower inputs for every movie of the catalog. One movie with
// a genre outside the vocabulary fails the whole catalog.
func (c *EncodedCatalog) Features(genres *tower.GenreBinarizer) (map[string]*tower.MovieFeatures, error) {
	out := make(map[string]*tower.MovieFeatures, len(c.Movies))
	for i, m := range c.Movies {
		f, err := tower.BuildMovieFeatures(m, c.Titles[i], c.Metadata[i], genres)
		if err != nil {
			return nil, err
		}
		out[m.MovieID] = f
	}
	return out, nil
}

// EncodeCatalog loads the catalog and encodes titles and metadata sentences.
// A movie without overview, director or cast fails the whole batch, as does
// an encoder answer whose length differs from the catalog.
// Parameters:
//   - ctx: context for the encoder calls.
// Returns:
//   - *EncodedCatalog: movies in id order with aligned embeddings.
//   - error: Validation on bad metadata or a count mismatch.
func (s *CatalogService) EncodeCatalog(ctx context.Context) (*EncodedCatalog, error) {
	movies, err := s.movies.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	if len(movies) == 0 {
		return nil, domain.Validation("publish", "catalog is empty")
	}

	titles := make([]string, len(movies))
	sentences := make([]string, len(movies))
	for i, m := range movies {
		titles[i] = m.Title
		if sentences[i], err = m.MetadataSentence(); err != nil {
			return nil, err
		}
	}

	out := &EncodedCatalog{Movies: movies}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Titles, err = s.encoder.Encode(gctx, titles)
		return err
	})
	g.Go(func() error {
		var err error
		out.Metadata, err = s.encoder.Encode(gctx, sentences)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	if len(out.Titles) != len(movies) || len(out.Metadata) != len(movies) {
		return nil, domain.Validation("publish", "catalog has %d movies but %d title and %d metadata embeddings",
			len(movies), len(out.Titles), len(out.Metadata))
	}
	return out, nil
}

// embedAll runs model's movie tower over the catalog with a bounded worker pool.
func (s *CatalogService) embedAll(ctx context.Context, model *tower.Model, catalog *EncodedCatalog, version string) ([]domain.MovieEmbedding, error) {
	rows := make([]domain.MovieEmbedding, len(catalog.Movies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range catalog.Movies {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			m := catalog.Movies[i]
			v, err := model.EmbedMovie(m, catalog.Titles[i], catalog.Metadata[i])
			if err != nil {
				return err
			}
			rows[i] = domain.MovieEmbedding{MovieID: m.MovieID, Embedding: v, ModelVersion: version}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// publishTarget is one movie tower output: its embedding table and the
// ANN collection mirroring it.
type publishTarget struct {
	model      *tower.Model
	table      string
	collection string
	rows       []domain.MovieEmbedding
}

func (s *CatalogService) replaceCollection(ctx context.Context, t *publishTarget, movies []*domain.Movie) error {
	points := make([]repository.VectorPoint, len(t.rows))
	for i, r := range t.rows {
		points[i] = repository.VectorPoint{ID: r.MovieID, Vector: r.Embedding, Genres: movies[i].Genres}
	}
	if err := s.index.EnsureCollection(ctx, t.collection, t.model.Movie.Dims.Embedding); err != nil {
		return err
	}
	return s.index.Replace(ctx, t.collection, points)
}

// Publish makes bundle the live model. Both movie tables are embedded and
// staged and every genre embedding is computed before anything is swapped;
// the swaps and genre upserts then commit in one transaction.
// Parameters:
//   - ctx: context for the whole run.
//   - bundle: loaded model version.
// Returns:
//   - *PublishStats: counts of what was rebuilt.
//   - error: the first failure; production tables are untouched unless the
//     commit succeeded.
func (s *CatalogService) Publish(ctx context.Context, bundle *artifact.Bundle) (*PublishStats, error) {
	ctx = logger.SetComponent(ctx, "publish")
	stats := &PublishStats{Version: bundle.Version, StartTime: time.Now()}

	catalog, err := s.EncodeCatalog(ctx)
	if err != nil {
		return nil, err
	}
	stats.Movies = len(catalog.Movies)

	personalized := &tower.Model{Movie: bundle.Personalized, User: bundle.Model.User, Genres: bundle.Model.Genres}
	targets := []*publishTarget{
		{model: bundle.Model, table: domain.TableMovieEmbeddingColdStart, collection: repository.CollectionMoviesColdStart},
		{model: personalized, table: domain.TableMovieEmbeddingPersonalized, collection: repository.CollectionMoviesPersonalized},
	}
	tables := make([]string, len(targets))
	for i, t := range targets {
		start := time.Now()
		if t.rows, err = s.embedAll(ctx, t.model, catalog, bundle.Version); err != nil {
			return nil, fmt.Errorf("failed to embed %s: %w", t.table, err)
		}
		if err := s.embeddings.WriteStaging(ctx, t.table, t.rows); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", t.table, err)
		}
		tables[i] = t.table
		logger.With(logger.Fields{"table": t.table, logger.FieldModelVersion: bundle.Version}).
			WithCount(len(t.rows)).
			WithDuration(time.Since(start).Milliseconds()).
			Info(ctx, "Staged %s", t.table)
	}

	genreRows, err := s.reembedGenres(ctx, bundle.Model)
	if err != nil {
		return nil, err
	}
	stats.GenreUsers = len(genreRows)

	if err := s.embeddings.CommitStaging(ctx, tables, int64(stats.Movies), domain.TableUserGenreEmbedding, genreRows); err != nil {
		return nil, fmt.Errorf("failed to commit publish: %w", err)
	}

	for _, t := range targets {
		if err := s.replaceCollection(ctx, t, catalog.Movies); err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", t.collection, err)
		}
	}
	if err := s.index.EnsureCollection(ctx, repository.CollectionUsers, bundle.Model.Movie.Dims.Embedding); err != nil {
		return nil, err
	}
	if _, err := s.stats.MarkAllStale(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark users stale: %w", err)
	}
	if stats.RefreshedUsers, err = s.refresher.RefreshStale(ctx, 0); err != nil {
		return nil, err
	}

	stats.EndTime = time.Now()
	logger.With(logger.Fields{logger.FieldModelVersion: bundle.Version}).
		WithCount(stats.Movies).
		WithDuration(stats.EndTime.Sub(stats.StartTime).Milliseconds()).
		Info(ctx, "Publish complete: %d movies, %d genre embeddings, %d users refreshed",
			stats.Movies, stats.GenreUsers, stats.RefreshedUsers)
	return stats, nil
}

// reembedGenres computes every onboarded user's genre embedding with the
// new user tower without writing it. Genres the new vocabulary lacks are
// dropped with a warning.
func (s *CatalogService) reembedGenres(ctx context.Context, model *tower.Model) ([]domain.UserEmbedding, error) {
	users, err := s.ratings.ListUsersWithGenres(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list onboarded users: %w", err)
	}
	now := time.Now().UTC()
	rows := make([]domain.UserEmbedding, 0, len(users))
	for _, u := range users {
		known := make([]string, 0, len(u.Genres))
		for _, g := range u.Genres {
			if model.Genres.Has(g) {
				known = append(known, g)
			}
		}
		if len(known) == 0 {
			logger.CtxWarn(ctx, "User %s has no genres known to the new model", u.UserID)
			continue
		}
		v, err := model.EmbedGenres(known)
		if err != nil {
			return nil, err
		}
		rows = append(rows, domain.UserEmbedding{UserID: u.UserID, Embedding: v, UpdatedAt: now})
	}
	return rows, nil
}

// Reindex rebuilds every ANN collection from the embedding tables, for
// backends that do not persist across restarts.
// Parameters:
//   - ctx: context for the table scans.
//   - dim: embedding width of the served model.
// Returns:
//   - int: points written across all collections.
//   - error: the first failure.
func (s *CatalogService) Reindex(ctx context.Context, dim int) (int, error) {
	movies, err := s.movies.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list catalog: %w", err)
	}
	genres := make(map[string][]string, len(movies))
	for _, m := range movies {
		genres[m.MovieID] = m.Genres
	}

	total := 0
	for table, collection := range map[string]string{
		domain.TableMovieEmbeddingColdStart:    repository.CollectionMoviesColdStart,
		domain.TableMovieEmbeddingPersonalized: repository.CollectionMoviesPersonalized,
	} {
		rows, err := s.embeddings.AllMovieEmbeddings(ctx, table)
		if err != nil {
			return total, err
		}
		points := make([]repository.VectorPoint, len(rows))
		for i, r := range rows {
			points[i] = repository.VectorPoint{ID: r.MovieID, Vector: r.Embedding, Genres: genres[r.MovieID]}
		}
		if err := s.index.EnsureCollection(ctx, collection, dim); err != nil {
			return total, err
		}
		if err := s.index.Replace(ctx, collection, points); err != nil {
			return total, err
		}
		total += len(points)
	}

	users, err := s.embeddings.AllUserEmbeddings(ctx, domain.TableUserEmbedding)
	if err != nil {
		return total, err
	}
	points := make([]repository.VectorPoint, len(users))
	for i, u := range users {
		points[i] = repository.VectorPoint{ID: u.UserID, Vector: u.Embedding}
	}
	if err := s.index.EnsureCollection(ctx, repository.CollectionUsers, dim); err != nil {
		return total, err
	}
	if err := s.index.Replace(ctx, repository.CollectionUsers, points); err != nil {
		return total, err
	}
	total += len(points)

	logger.With(logger.Fields{"collections": 3}).WithCount(total).Info(ctx, "Rebuilt vector index")
	return total, nil
}
