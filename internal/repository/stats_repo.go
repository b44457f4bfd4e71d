package repository

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// markStaleSQL raises the stale flag and bumps the version, creating the row on first use.
const markStaleSQL = `INSERT INTO user_rating_stats
	(user_id, avg_rating, rating_count, rating_count_log, positive_count, top_genres, top_actors, top_directors, is_stale, stale_version, updated_at)
VALUES (?, 0, 0, 0, 0, '[]', '[]', '[]', ?, 1, ?)
ON CONFLICT (user_id) DO UPDATE SET
	is_stale = excluded.is_stale,
	stale_version = user_rating_stats.stale_version + 1,
	updated_at = excluded.updated_at`

// errLostRace rolls back a refresh whose version check failed.
var errLostRace = errors.New("stale version changed during recompute")

func markStale(tx *gorm.DB, userID string, now time.Time) error {
	return tx.Exec(markStaleSQL, userID, true, now).Error
}

// StatsRepository maintains the per-user and per-movie aggregates.
type StatsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new StatsRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *StatsRepository: repository instance bound to db.
func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// GetUserStats returns the cached stats row of a user.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user to look up.
// Returns:
//   - *domain.UserRatingStats: the cached row.
//   - error: NotFound if the user never had a rating mutation.
func (r *StatsRepository) GetUserStats(ctx context.Context, userID string) (*domain.UserRatingStats, error) {
	var stats domain.UserRatingStats
	err := r.db.WithContext(ctx).First(&stats, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("get_user_stats", "no stats for user %s", userID)
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ComputeUserStats recomputes a user's aggregates from their ratings. The
// returned stats carry the StaleVersion read before the ratings, so a commit
// with that version fails if any mutation landed in between.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user to recompute.
// Returns:
//   - *domain.UserRatingStats: fresh aggregates, IsStale false.
//   - error: NotFound if the user has no stats row.
func (r *StatsRepository) ComputeUserStats(ctx context.Context, userID string) (*domain.UserRatingStats, error) {
	current, err := r.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ratings []domain.Rating
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&ratings).Error; err != nil {
		return nil, err
	}

	stats := &domain.UserRatingStats{
		UserID:       userID,
		StaleVersion: current.StaleVersion,
		TopGenres:    domain.StringArray{},
		TopActors:    domain.StringArray{},
		TopDirectors: domain.StringArray{},
	}
	var sum float64
	var positiveIDs []string
	for _, rt := range ratings {
		sum += rt.Rating
		if rt.IsPositive() {
			positiveIDs = append(positiveIDs, rt.MovieID)
		}
	}
	stats.RatingCount = int64(len(ratings))
	stats.RatingCountLog = math.Log1p(float64(len(ratings)))
	stats.PositiveCount = int64(len(positiveIDs))
	if len(ratings) > 0 {
		stats.AvgRating = sum / float64(len(ratings))
	}

	if len(positiveIDs) > 0 {
		var movies []*domain.Movie
		if err := r.db.WithContext(ctx).Where("movie_id IN ?", positiveIDs).Order("movie_id ASC").Find(&movies).Error; err != nil {
			return nil, err
		}
		fav := domain.ComputeFavorites(movies)
		stats.TopGenres = fav.Genres
		stats.TopActors = fav.Actors
		stats.TopDirectors = fav.Directors
	}
	return stats, nil
}

// UserEmbeddingWrite is an embedding to store alongside a stats commit.
// A nil Vector deletes the row.
type UserEmbeddingWrite struct {
	Table  string
	Vector domain.Vector
}

// CommitUserStats stores recomputed stats and clears the stale flag only if
// the version is still the one the recompute started from. Embedding writes
// happen in the same transaction and are discarded when the check fails.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - stats: recomputed aggregates carrying the starting StaleVersion.
//   - writes: user embeddings to upsert or delete.
// Returns:
//   - bool: false when a concurrent mutation bumped the version.
//   - error: non-nil if the transaction fails.
func (r *StatsRepository) CommitUserStats(ctx context.Context, stats *domain.UserRatingStats, writes ...UserEmbeddingWrite) (bool, error) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.UserRatingStats{}).
			Where("user_id = ? AND stale_version = ?", stats.UserID, stats.StaleVersion).
			Updates(map[string]interface{}{
				"avg_rating":       stats.AvgRating,
				"rating_count":     stats.RatingCount,
				"rating_count_log": stats.RatingCountLog,
				"positive_count":   stats.PositiveCount,
				"top_genres":       stats.TopGenres,
				"top_actors":       stats.TopActors,
				"top_directors":    stats.TopDirectors,
				"is_stale":         false,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}

		for _, w := range writes {
			if w.Vector == nil {
				if err := tx.Table(w.Table).Where("user_id = ?", stats.UserID).Delete(&domain.UserEmbedding{}).Error; err != nil {
					return err
				}
				continue
			}
			row := &domain.UserEmbedding{UserID: stats.UserID, Embedding: w.Vector, UpdatedAt: now}
			if err := tx.Table(w.Table).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"embedding", "updated_at"}),
			}).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stats.IsStale = false
	stats.UpdatedAt = now
	return true, nil
}

// MarkAllStale raises the stale flag of every user with a stats row, as needed
// after the personalized movie embeddings were replaced.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of users marked.
//   - error: non-nil if the update fails.
func (r *StatsRepository) MarkAllStale(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.UserRatingStats{}).
		Where("1 = 1").
		Updates(map[string]interface{}{
			"is_stale":      true,
			"stale_version": gorm.Expr("stale_version + 1"),
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// ListStaleUserIDs returns users whose cached stats need a recompute.
func (r *StatsRepository) ListStaleUserIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	q := r.db.WithContext(ctx).Model(&domain.UserRatingStats{}).Where("is_stale = ?", true).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("user_id", &ids).Error
	return ids, err
}

// RefreshMovieStats rebuilds movie_rating_stats from the ratings and the catalog.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int: number of movies written.
//   - error: non-nil if the aggregation or upsert fails.
func (r *StatsRepository) RefreshMovieStats(ctx context.Context) (int, error) {
	var aggs []struct {
		MovieID     string
		AvgRating   float64
		RatingCount int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.Rating{}).
		Select("movie_id, AVG(rating) AS avg_rating, COUNT(*) AS rating_count").
		Group("movie_id").
		Scan(&aggs).Error; err != nil {
		return 0, err
	}
	byMovie := make(map[string]int, len(aggs))
	for i, a := range aggs {
		byMovie[a.MovieID] = i
	}

	var movies []domain.Movie
	if err := r.db.WithContext(ctx).
		Select("movie_id", "tmdb_vote_average", "tmdb_vote_count", "tmdb_popularity").
		Find(&movies).Error; err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	rows := make([]domain.MovieRatingStats, 0, len(movies))
	for _, m := range movies {
		row := domain.MovieRatingStats{
			MovieID:        m.MovieID,
			TMDBAvgRating:  m.TMDBVoteAverage,
			TMDBVoteLog:    math.Log1p(float64(m.TMDBVoteCount)),
			TMDBPopularity: m.TMDBPopularity,
			UpdatedAt:      now,
		}
		if i, ok := byMovie[m.MovieID]; ok {
			row.AvgRating = aggs[i].AvgRating
			row.RatingCount = aggs[i].RatingCount
			row.RatingCountLog = math.Log1p(float64(aggs[i].RatingCount))
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "movie_id"}},
		UpdateAll: true,
	}).CreateInBatches(rows, 500).Error
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetMovieStats returns the stats of the listed movies keyed by id.
// Movies without a row are absent from the map.
func (r *StatsRepository) GetMovieStats(ctx context.Context, movieIDs []string) (map[string]*domain.MovieRatingStats, error) {
	out := make(map[string]*domain.MovieRatingStats, len(movieIDs))
	if len(movieIDs) == 0 {
		return out, nil
	}
	var rows []*domain.MovieRatingStats
	if err := r.db.WithContext(ctx).Where("movie_id IN ?", movieIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.MovieID] = row
	}
	return out, nil
}
