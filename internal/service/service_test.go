package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/repository"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/retrieval"
	"github.com/timmy/movierec/internal/tower"
)

const textDim = 6

var testDims = tower.Dims{Title: textDim, Metadata: textDim, Embedding: 8}

// hashEncoder maps each text to a fixed pseudo-random vector.
type hashEncoder struct {
	drop int
}

func (e hashEncoder) Dimensions() int { return textDim }

func (e hashEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts[:len(texts)-e.drop] {
		h := fnv.New64a()
		h.Write([]byte(text))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		v := make([]float32, textDim)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		out = append(out, v)
	}
	return out, nil
}

type env struct {
	ctx        context.Context
	ratings    *repository.RatingRepository
	movies     *repository.MovieRepository
	stats      *repository.StatsRepository
	embeddings *repository.EmbeddingRepository
	index      *repository.MemoryIndex
	refresher  *retrieval.Refresher
	models     *ModelService
	catalog    *CatalogService
	bundle     *artifact.Bundle
}

func testBundle() *artifact.Bundle {
	genres := tower.NewGenreBinarizer([]string{"Action", "Comedy", "Drama"})
	model := tower.NewModel(testDims, genres, 5)
	personalized := tower.NewModel(testDims, genres, 6)
	return &artifact.Bundle{
		Version:      "v1",
		Model:        model,
		Personalized: personalized.Movie,
		Reranker: &rerank.Ensemble{
			FormatVersion: rerank.EnsembleFormatVersion,
			Objective:     "lambdarank",
			FeatureNames:  append([]string(nil), rerank.FeatureNames...),
			LabelGain:     rerank.DefaultLabelGain,
			Trees: []rerank.Tree{{Nodes: []rerank.Node{
				{Feature: 5, Threshold: 10, Left: 1, Right: 2},
				{Feature: -1, Value: 0},
				{Feature: -1, Value: 1},
			}}},
		},
	}
}

func newEnv(t *testing.T, n int, encoder Encoder) *env {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "service.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	e := &env{
		ctx:        context.Background(),
		ratings:    repository.NewRatingRepository(db),
		movies:     repository.NewMovieRepository(db),
		stats:      repository.NewStatsRepository(db),
		embeddings: repository.NewEmbeddingRepository(db),
		index:      repository.NewMemoryIndex(),
		bundle:     testBundle(),
	}
	movies := make([]*domain.Movie, n)
	for i := range movies {
		movies[i] = &domain.Movie{
			MovieID:         fmt.Sprintf("m%02d", i),
			Title:           fmt.Sprintf("Movie %d", i),
			ReleaseYear:     1990 + i,
			Genres:          domain.StringArray{[]string{"Action", "Comedy", "Drama"}[i%3]},
			Actors:          domain.StringArray{"Ann", fmt.Sprintf("Actor %d", i)},
			Directors:       domain.StringArray{fmt.Sprintf("Director %d", i%4)},
			Overview:        fmt.Sprintf("Story number %d.", i),
			TMDBVoteAverage: 6,
			TMDBVoteCount:   int64(10 * i),
			TMDBPopularity:  float64(i),
		}
	}
	if err := e.movies.Upsert(e.ctx, movies); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	e.refresher = retrieval.NewRefresher(e.ratings, e.stats, e.embeddings, e.index, nil, 50)
	e.models = NewModelService(nil, config.ModelConfig{}, config.RerankConfig{TopN: 10, CurrentYear: 2024})
	e.catalog = NewCatalogService(e.movies, e.ratings, e.stats, e.embeddings, e.index, encoder, e.refresher, 2)
	return e
}

func TestSetGenres(t *testing.T) {
	e := newEnv(t, 3, hashEncoder{})
	svc := NewRatingService(e.ratings, e.embeddings, e.models)

	if err := svc.SetGenres(e.ctx, "u1", []string{"Action"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SetGenres() without a model error = %v, want not found", err)
	}
	e.models.Serve(e.bundle)

	tests := []struct {
		name    string
		genres  []string
		wantErr error
	}{
		{"empty", nil, domain.ErrValidation},
		{"too many", []string{"Action", "Comedy", "Drama", "Horror"}, domain.ErrValidation},
		{"unknown", []string{"Action", "Western"}, domain.ErrValidation},
		{"duplicates collapse", []string{"Drama", "Drama", "Comedy"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetGenres(e.ctx, "u1", tt.genres)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("SetGenres(%v) error = %v, want %v", tt.genres, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetGenres(%v) error = %v", tt.genres, err)
			}
			user, err := e.ratings.GetUser(e.ctx, "u1")
			if err != nil {
				t.Fatalf("GetUser() error = %v", err)
			}
			if len(user.Genres) != 2 {
				t.Errorf("stored genres = %v, want Drama and Comedy", user.Genres)
			}
			v, err := e.embeddings.UserEmbedding(e.ctx, domain.TableUserGenreEmbedding, "u1")
			if err != nil || !v.IsUnit() {
				t.Errorf("genre embedding = norm %v, %v", v.Norm(), err)
			}
		})
	}
}

func TestRatingServiceMutations(t *testing.T) {
	e := newEnv(t, 3, hashEncoder{})
	svc := NewRatingService(e.ratings, e.embeddings, e.models)
	if err := e.ratings.EnsureUser(e.ctx, &domain.User{UserID: "u1"}); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}

	isNew, err := svc.RecordRating(e.ctx, "u1", "m00", 4)
	if err != nil || !isNew {
		t.Fatalf("first RecordRating() = %v, %v; want new", isNew, err)
	}
	isNew, err = svc.RecordRating(e.ctx, "u1", "m00", 2)
	if err != nil || isNew {
		t.Fatalf("second RecordRating() = %v, %v; want overwrite", isNew, err)
	}
	if _, err := svc.RecordRating(e.ctx, "u1", "nope", 4); !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("RecordRating(unknown movie) error = %v, want integrity", err)
	}
	if err := svc.Dismiss(e.ctx, "u1", "m01"); err != nil {
		t.Errorf("Dismiss() error = %v", err)
	}
	if err := svc.DeleteRating(e.ctx, "u1", "m00"); err != nil {
		t.Errorf("DeleteRating() error = %v", err)
	}
	if err := svc.DeleteRating(e.ctx, "u1", "m00"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second DeleteRating() error = %v, want not found", err)
	}

	stats, err := e.stats.GetUserStats(e.ctx, "u1")
	if err != nil || !stats.IsStale {
		t.Errorf("stats after mutations = %+v, %v; want stale", stats, err)
	}
}

func TestPublish(t *testing.T) {
	e := newEnv(t, 12, hashEncoder{})
	e.models.Serve(e.bundle)
	onboarding := NewRatingService(e.ratings, e.embeddings, e.models)
	if err := onboarding.SetGenres(e.ctx, "u1", []string{"Comedy"}); err != nil {
		t.Fatalf("SetGenres() error = %v", err)
	}
	for _, m := range []string{"m00", "m01", "m02"} {
		if _, err := e.ratings.RecordRating(e.ctx, "u1", m, 5); err != nil {
			t.Fatalf("RecordRating() error = %v", err)
		}
	}

	stats, err := e.catalog.Publish(e.ctx, e.bundle)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if stats.Movies != 12 || stats.GenreUsers != 1 || stats.RefreshedUsers != 1 {
		t.Errorf("stats = %+v", stats)
	}
	for _, table := range []string{domain.TableMovieEmbeddingColdStart, domain.TableMovieEmbeddingPersonalized} {
		n, err := e.embeddings.CountRows(e.ctx, table)
		if err != nil || n != 12 {
			t.Errorf("%s rows = %d, %v; want 12", table, n, err)
		}
	}

	userVec, err := e.embeddings.UserEmbedding(e.ctx, domain.TableUserEmbedding, "u1")
	if err != nil {
		t.Fatalf("personalized embedding missing after publish: %v", err)
	}
	hits, err := e.index.Nearest(e.ctx, repository.CollectionUsers, userVec, 1, nil)
	if err != nil || len(hits) != 1 || hits[0].ID != "u1" {
		t.Errorf("users collection = %+v, %v", hits, err)
	}
	hits, err = e.index.Nearest(e.ctx, repository.CollectionMoviesColdStart, userVec, 20, &repository.VectorFilter{AnyGenres: []string{"Action"}})
	if err != nil || len(hits) != 4 {
		t.Errorf("Action movies in cold-start collection = %d, %v; want 4", len(hits), err)
	}
}

func TestPublishFailureKeepsProduction(t *testing.T) {
	e := newEnv(t, 6, hashEncoder{})
	e.models.Serve(e.bundle)
	if err := NewRatingService(e.ratings, e.embeddings, e.models).SetGenres(e.ctx, "u1", []string{"Drama"}); err != nil {
		t.Fatalf("SetGenres() error = %v", err)
	}
	if _, err := e.catalog.Publish(e.ctx, e.bundle); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	before, err := e.embeddings.AllMovieEmbeddings(e.ctx, domain.TableMovieEmbeddingColdStart)
	if err != nil {
		t.Fatalf("AllMovieEmbeddings() error = %v", err)
	}
	genreBefore, err := e.embeddings.UserEmbedding(e.ctx, domain.TableUserGenreEmbedding, "u1")
	if err != nil {
		t.Fatalf("UserEmbedding() error = %v", err)
	}

	tests := []struct {
		name string
		dims tower.Dims
	}{
		{"personalized title width", tower.Dims{Title: textDim + 1, Metadata: textDim, Embedding: 8}},
		{"personalized metadata width", tower.Dims{Title: textDim, Metadata: textDim - 1, Embedding: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := testBundle()
			next.Version = "v2"
			next.Model = tower.NewModel(testDims, next.Model.Genres, 11)
			next.Personalized = tower.NewModel(tt.dims, next.Model.Genres, 12).Movie

			if _, err := e.catalog.Publish(e.ctx, next); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("Publish() error = %v, want validation", err)
			}

			after, err := e.embeddings.AllMovieEmbeddings(e.ctx, domain.TableMovieEmbeddingColdStart)
			if err != nil {
				t.Fatalf("AllMovieEmbeddings() error = %v", err)
			}
			if len(after) != len(before) {
				t.Fatalf("cold-start rows = %d, want %d", len(after), len(before))
			}
			for i := range after {
				if after[i].ModelVersion != "v1" || after[i].Embedding.Dot(before[i].Embedding) < 1-1e-6 {
					t.Errorf("cold-start row %s changed to version %s", after[i].MovieID, after[i].ModelVersion)
				}
			}
			genreAfter, err := e.embeddings.UserEmbedding(e.ctx, domain.TableUserGenreEmbedding, "u1")
			if err != nil || genreAfter.Dot(genreBefore) < 1-1e-6 {
				t.Errorf("genre embedding changed after failed publish: %v", err)
			}
		})
	}
}

func TestReindexRestoresCollections(t *testing.T) {
	e := newEnv(t, 6, hashEncoder{})
	e.models.Serve(e.bundle)
	if err := NewRatingService(e.ratings, e.embeddings, e.models).SetGenres(e.ctx, "u1", []string{"Drama"}); err != nil {
		t.Fatalf("SetGenres() error = %v", err)
	}
	if _, err := e.ratings.RecordRating(e.ctx, "u1", "m00", 5); err != nil {
		t.Fatalf("RecordRating() error = %v", err)
	}
	if _, err := e.catalog.Publish(e.ctx, e.bundle); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	fresh := repository.NewMemoryIndex()
	restarted := NewCatalogService(e.movies, e.ratings, e.stats, e.embeddings, fresh, hashEncoder{}, e.refresher, 2)
	n, err := restarted.Reindex(e.ctx, testDims.Embedding)
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if n != 13 {
		t.Errorf("Reindex() wrote %d points, want 6+6+1", n)
	}
	userVec, err := e.embeddings.UserEmbedding(e.ctx, domain.TableUserEmbedding, "u1")
	if err != nil {
		t.Fatalf("UserEmbedding() error = %v", err)
	}
	hits, err := fresh.Nearest(e.ctx, repository.CollectionMoviesPersonalized, userVec, 10, nil)
	if err != nil || len(hits) != 6 {
		t.Errorf("personalized collection after reindex = %d hits, %v; want 6", len(hits), err)
	}
}

func TestPublishRejectsBadCatalog(t *testing.T) {
	tests := []struct {
		name    string
		encoder Encoder
		mutate  func(t *testing.T, e *env)
	}{
		{
			name:    "embedding count mismatch",
			encoder: hashEncoder{drop: 1},
		},
		{
			name:    "movie without overview",
			encoder: hashEncoder{},
			mutate: func(t *testing.T, e *env) {
				m, _ := e.movies.GetByID(e.ctx, "m01")
				m.Overview = ""
				if err := e.movies.Upsert(e.ctx, []*domain.Movie{m}); err != nil {
					t.Fatalf("Upsert() error = %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 4, tt.encoder)
			if tt.mutate != nil {
				tt.mutate(t, e)
			}
			_, err := e.catalog.Publish(e.ctx, e.bundle)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Publish() error = %v, want validation", err)
			}
			if n, _ := e.embeddings.CountRows(e.ctx, domain.TableMovieEmbeddingColdStart); n != 0 {
				t.Errorf("failed publish left %d rows in production", n)
			}
		})
	}
}

func TestRecommendColdStart(t *testing.T) {
	e := newEnv(t, 30, hashEncoder{})
	e.models.Serve(e.bundle)
	if _, err := e.catalog.Publish(e.ctx, e.bundle); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	onboarding := NewRatingService(e.ratings, e.embeddings, e.models)
	if err := onboarding.SetGenres(e.ctx, "u1", []string{"Drama"}); err != nil {
		t.Fatalf("SetGenres() error = %v", err)
	}
	if _, err := onboarding.RecordRating(e.ctx, "u1", "m02", 5); err != nil {
		t.Fatalf("RecordRating() error = %v", err)
	}

	cfg := config.RetrievalConfig{
		MinUsersWithRatings: 50,
		MinPositiveRatings:  10,
		ColdStartGenreLimit: 8,
		ColdStartRandom:     2,
		SimilarUsers:        50,
		MaxCandidates:       300,
		MaxHistory:          50,
	}
	retriever := retrieval.NewRetriever(e.ratings, e.movies, e.embeddings, e.index, e.refresher, cfg)
	svc := NewRecommendationService(retriever, e.refresher, e.movies, e.stats, e.embeddings, e.models)

	resp, err := svc.Recommend(e.ctx, "u1")
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	if resp.Mode != "coldstart" || resp.ModelVersion != "v1" || resp.Candidates != 10 {
		t.Errorf("response = mode %s, version %s, %d candidates", resp.Mode, resp.ModelVersion, resp.Candidates)
	}
	if len(resp.Items) != 10 {
		t.Fatalf("got %d items, want 10", len(resp.Items))
	}
	for i, item := range resp.Items {
		if item.MovieID == "m02" {
			t.Errorf("rated movie recommended")
		}
		if i > 0 && item.Score > resp.Items[i-1].Score {
			t.Errorf("items not sorted by score at %d", i)
		}
	}

	if _, err := svc.Recommend(e.ctx, "stranger"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Recommend(unknown) error = %v, want not found", err)
	}
}
