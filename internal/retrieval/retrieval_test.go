package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/repository"
)

const testDim = 8

var testGenres = []string{"Action", "Comedy", "Drama"}

type fixture struct {
	ctx        context.Context
	ratings    *repository.RatingRepository
	stats      *repository.StatsRepository
	movies     *repository.MovieRepository
	embeddings *repository.EmbeddingRepository
	index      *repository.MemoryIndex
	refresher  *Refresher
	retriever  *Retriever
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		MinUsersWithRatings: 50,
		MinPositiveRatings:  10,
		ColdStartGenreLimit: 8,
		ColdStartRandom:     2,
		SimilarUsers:        50,
		MaxCandidates:       300,
		MaxHistory:          50,
	}
}

func randomUnit(rng *rand.Rand) domain.Vector {
	v := make(domain.Vector, testDim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v.Normalized()
}

func movieID(i int) string {
	return fmt.Sprintf("m%02d", i)
}

// newFixture builds a catalog of n movies with genres cycling through
// testGenres, both movie embedding tables and matching ANN collections.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "retrieval.db"),
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

	f := &fixture{
		ctx:        context.Background(),
		ratings:    repository.NewRatingRepository(db),
		stats:      repository.NewStatsRepository(db),
		movies:     repository.NewMovieRepository(db),
		embeddings: repository.NewEmbeddingRepository(db),
		index:      repository.NewMemoryIndex(),
	}

	rng := rand.New(rand.NewSource(11))
	movies := make([]*domain.Movie, n)
	rows := make([]domain.MovieEmbedding, n)
	points := make([]repository.VectorPoint, n)
	for i := range movies {
		genres := domain.StringArray{testGenres[i%len(testGenres)]}
		movies[i] = &domain.Movie{MovieID: movieID(i), Title: movieID(i), ReleaseYear: 2000, Genres: genres}
		v := randomUnit(rng)
		rows[i] = domain.MovieEmbedding{MovieID: movieID(i), Embedding: v, ModelVersion: "test"}
		points[i] = repository.VectorPoint{ID: movieID(i), Vector: v, Genres: genres}
	}
	if err := f.movies.Upsert(f.ctx, movies); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	for _, table := range []string{domain.TableMovieEmbeddingColdStart, domain.TableMovieEmbeddingPersonalized} {
		if err := f.embeddings.WriteStaging(f.ctx, table, rows); err != nil {
			t.Fatalf("WriteStaging(%s) error = %v", table, err)
		}
		if err := f.embeddings.SwapStaging(f.ctx, table, int64(n)); err != nil {
			t.Fatalf("SwapStaging(%s) error = %v", table, err)
		}
	}
	for _, c := range []string{repository.CollectionMoviesColdStart, repository.CollectionMoviesPersonalized, repository.CollectionUsers} {
		if err := f.index.EnsureCollection(f.ctx, c, testDim); err != nil {
			t.Fatalf("EnsureCollection(%s) error = %v", c, err)
		}
	}
	if err := f.index.Replace(f.ctx, repository.CollectionMoviesColdStart, points); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	cfg := testRetrievalConfig()
	f.refresher = NewRefresher(f.ratings, f.stats, f.embeddings, f.index, nil, cfg.MaxHistory)
	f.retriever = NewRetriever(f.ratings, f.movies, f.embeddings, f.index, f.refresher, cfg)
	return f
}

func (f *fixture) addUser(t *testing.T, userID string, genres []string) {
	t.Helper()
	if err := f.ratings.EnsureUser(f.ctx, &domain.User{UserID: userID, Genres: genres}); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	rng := rand.New(rand.NewSource(int64(len(userID))))
	if err := f.embeddings.UpsertUserEmbedding(f.ctx, domain.TableUserGenreEmbedding, userID, randomUnit(rng)); err != nil {
		t.Fatalf("UpsertUserEmbedding() error = %v", err)
	}
}

func (f *fixture) rate(t *testing.T, userID, movie string, rating float64) {
	t.Helper()
	if _, err := f.ratings.RecordRating(f.ctx, userID, movie, rating); err != nil {
		t.Fatalf("RecordRating(%s, %s) error = %v", userID, movie, err)
	}
}

// addRaters creates n other users, each with one positive rating.
func (f *fixture) addRaters(t *testing.T, n, catalog int) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("other%02d", i)
		f.addUser(t, id, []string{"Drama"})
		f.rate(t, id, movieID(i%catalog), 5)
	}
}

func TestColdStartForSmallPlatform(t *testing.T) {
	f := newFixture(t, 30)
	f.addUser(t, "alice", []string{"Action"})
	// m01 and m02 are positives, m04 negative; none are Action
	f.rate(t, "alice", "m01", 5)
	f.rate(t, "alice", "m02", 4)
	f.rate(t, "alice", "m04", 2)
	f.addRaters(t, 9, 30)
	if err := f.ratings.AddExclusion(f.ctx, "alice", "m03"); err != nil {
		t.Fatalf("AddExclusion() error = %v", err)
	}

	res, err := f.retriever.Retrieve(f.ctx, "alice")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if _, ok := res.Mode.(*ColdStart); !ok {
		t.Fatalf("mode = %s, want coldstart", res.Mode.Name())
	}
	if len(res.Candidates) != 10 {
		t.Fatalf("got %d candidates, want 10", len(res.Candidates))
	}

	seen := map[string]bool{"m01": true, "m02": true, "m03": true, "m04": true}
	for i, c := range res.Candidates {
		if seen[c.MovieID] {
			t.Errorf("candidate %s was already rated or dismissed", c.MovieID)
		}
		m, err := f.movies.GetByID(f.ctx, c.MovieID)
		if err != nil {
			t.Fatalf("GetByID(%s) error = %v", c.MovieID, err)
		}
		isAction := m.Genres.Contains("Action")
		if i < 8 {
			if c.Random || !isAction || c.Distance >= domain.SentinelDistance {
				t.Errorf("candidate %d = %+v, want a genre match", i, c)
			}
			if i > 0 && c.Distance < res.Candidates[i-1].Distance {
				t.Errorf("genre matches not sorted by distance at %d", i)
			}
		} else if !c.Random || isAction || c.Distance != domain.SentinelDistance {
			t.Errorf("candidate %d = %+v, want a random pick outside Action", i, c)
		}
	}
}

func TestPositiveThresholdBoundary(t *testing.T) {
	f := newFixture(t, 40)
	f.addRaters(t, 50, 40)
	f.addUser(t, "bob", []string{"Comedy"})

	for i := 0; i < 9; i++ {
		f.rate(t, "bob", movieID(i), 5)
	}
	mode, err := f.retriever.Resolve(f.ctx, "bob")
	if err != nil {
		t.Fatalf("Resolve() with 9 positives error = %v", err)
	}
	if _, ok := mode.(*ColdStart); !ok {
		t.Errorf("9 positives: mode = %s, want coldstart", mode.Name())
	}

	f.rate(t, "bob", movieID(9), 4)
	mode, err = f.retriever.Resolve(f.ctx, "bob")
	if err != nil {
		t.Fatalf("Resolve() with 10 positives error = %v", err)
	}
	p, ok := mode.(*Personalized)
	if !ok {
		t.Fatalf("10 positives: mode = %s, want personalized", mode.Name())
	}
	if p.PositiveCount != 10 || !p.Embedding.IsUnit() {
		t.Errorf("personalized = %d positives, norm %v", p.PositiveCount, p.Embedding.Norm())
	}
}

func TestPersonalizedRanksByNeighborFrequency(t *testing.T) {
	f := newFixture(t, 40)
	f.addRaters(t, 50, 40)
	f.addUser(t, "carol", []string{"Drama"})
	for i := 0; i < 10; i++ {
		f.rate(t, "carol", movieID(i), 5)
	}
	// every other rater also likes m39, half of them m38
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("other%02d", i)
		f.rate(t, id, "m39", 5)
		if i%2 == 0 {
			f.rate(t, id, "m38", 4)
		}
	}
	if _, err := f.refresher.RefreshStale(f.ctx, 0); err != nil {
		t.Fatalf("RefreshStale() error = %v", err)
	}

	res, err := f.retriever.Retrieve(f.ctx, "carol")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if _, ok := res.Mode.(*Personalized); !ok {
		t.Fatalf("mode = %s, want personalized", res.Mode.Name())
	}
	if len(res.Candidates) < 2 || res.Candidates[0].MovieID != "m39" || res.Candidates[1].MovieID != "m38" {
		t.Fatalf("candidates = %+v, want m39 then m38 first", res.Candidates)
	}
	for i, c := range res.Candidates {
		if c.Frequency <= 0 {
			t.Errorf("candidate %s has frequency %d", c.MovieID, c.Frequency)
		}
		if i > 0 && c.Frequency > res.Candidates[i-1].Frequency {
			t.Errorf("candidates not ordered by frequency at %d", i)
		}
		var n int
		fmt.Sscanf(c.MovieID, "m%d", &n)
		if n < 10 {
			t.Errorf("candidate %s was already rated", c.MovieID)
		}
	}
}

func TestRetrieveBeforeOnboarding(t *testing.T) {
	f := newFixture(t, 10)
	if err := f.ratings.EnsureUser(f.ctx, &domain.User{UserID: "dave"}); err != nil {
		t.Fatalf("EnsureUser() error = %v", err)
	}
	tests := []struct {
		name   string
		userID string
	}{
		{"no genre embedding", "dave"},
		{"unknown user", "nobody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.retriever.Retrieve(f.ctx, tt.userID)
			if !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Retrieve() error = %v, want not found", err)
			}
		})
	}
}

func TestConcurrentUpdatesRecomputeOnce(t *testing.T) {
	f := newFixture(t, 10)
	f.addUser(t, "erin", []string{"Action"})
	f.rate(t, "erin", "m00", 5)
	if _, err := f.refresher.Ensure(f.ctx, "erin"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	before := f.refresher.Recomputes()
	if s, _ := f.stats.GetUserStats(f.ctx, "erin"); s.IsStale {
		t.Fatal("flag still set after initial refresh")
	}

	var wg sync.WaitGroup
	for _, m := range []string{"m01", "m02"} {
		wg.Add(1)
		go func(movie string) {
			defer wg.Done()
			if _, err := f.ratings.RecordRating(f.ctx, "erin", movie, 4); err != nil {
				t.Errorf("RecordRating(%s) error = %v", movie, err)
			}
		}(m)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.refresher.Ensure(f.ctx, "erin"); err != nil {
				t.Errorf("Ensure() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.refresher.Recomputes() - before; got != 1 {
		t.Errorf("recomputes = %d, want 1", got)
	}
	s, err := f.stats.GetUserStats(f.ctx, "erin")
	if err != nil {
		t.Fatalf("GetUserStats() error = %v", err)
	}
	if s.IsStale || s.PositiveCount != 3 {
		t.Errorf("stats = stale %v, %d positives; want fresh with 3", s.IsStale, s.PositiveCount)
	}
	emb, err := f.embeddings.UserEmbedding(f.ctx, domain.TableUserEmbedding, "erin")
	if err != nil || !emb.IsUnit() {
		t.Errorf("user embedding = norm %v, %v", emb.Norm(), err)
	}
}

// cancellingLocker cancels the caller's context as soon as the lock is taken.
type cancellingLocker struct {
	cancel   context.CancelFunc
	released int
}

func (l *cancellingLocker) TryLock(_ context.Context, _ string) (func(), error) {
	if l.cancel != nil {
		l.cancel()
	}
	return func() { l.released++ }, nil
}

func TestEnsureSurvivesCallerCancel(t *testing.T) {
	tests := []struct {
		name         string
		cancelOnLock bool
	}{
		{"caller cancels mid recompute", true},
		{"caller stays", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 6)
			f.addUser(t, "fay", []string{"Comedy"})
			f.rate(t, "fay", "m00", 5)

			ctx, cancel := context.WithCancel(f.ctx)
			defer cancel()
			locker := &cancellingLocker{}
			if tt.cancelOnLock {
				locker.cancel = cancel
			}
			refresher := NewRefresher(f.ratings, f.stats, f.embeddings, f.index, locker, testRetrievalConfig().MaxHistory)

			got, err := refresher.Ensure(ctx, "fay")
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if got.IsStale || got.PositiveCount != 1 {
				t.Errorf("Ensure() = stale %v, %d positives; want fresh with 1", got.IsStale, got.PositiveCount)
			}
			if locker.released != 1 {
				t.Errorf("lock released %d times, want 1", locker.released)
			}
			if _, err := f.embeddings.UserEmbedding(f.ctx, domain.TableUserEmbedding, "fay"); err != nil {
				t.Errorf("user embedding missing after recompute: %v", err)
			}
		})
	}
}
