package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertRatingSQL reports whether the row was inserted: a fresh row carries
// identical added_at and updated_at, an overwrite keeps the old added_at.
const upsertRatingSQL = `INSERT INTO user_ratings (user_id, movie_id, rating, added_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, movie_id) DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at
RETURNING (added_at = updated_at) AS is_new`

// RatingRepository handles users, ratings and exclusions.
// Every mutation marks the user's cached stats stale in the same transaction.
type RatingRepository struct {
	db *gorm.DB
}

// NewRatingRepository creates a new RatingRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RatingRepository: repository instance bound to db.
func NewRatingRepository(db *gorm.DB) *RatingRepository {
	return &RatingRepository{db: db}
}

// EnsureUser creates the user if it does not exist yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - user: user record; existing rows are left untouched.
// Returns:
//   - error: non-nil if the insert fails.
func (r *RatingRepository) EnsureUser(ctx context.Context, user *domain.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(user).Error
}

// GetUser retrieves a user by id.
func (r *RatingRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("get_user", "user %s", userID)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetGenres stores the user's onboarding genre selection.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user to update.
//   - genres: selected genre names.
// Returns:
//   - error: NotFound if the user does not exist.
func (r *RatingRepository) SetGenres(ctx context.Context, userID string, genres []string) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"genres": domain.StringArray(genres), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NotFound("set_genres", "user %s", userID)
	}
	return nil
}

// ListUsersWithGenres returns every user that completed onboarding.
func (r *RatingRepository) ListUsersWithGenres(ctx context.Context) ([]*domain.User, error) {
	var users []*domain.User
	err := r.db.WithContext(ctx).
		Where("genres IS NOT NULL AND genres <> ? AND genres <> ?", "", "[]").
		Order("user_id ASC").
		Find(&users).Error
	return users, err
}

// RecordRating inserts or overwrites the rating for (userID, movieID).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: rating user; must exist.
//   - movieID: rated movie; must exist.
//   - rating: value on the 1-5 scale.
// Returns:
//   - bool: true when a new row was created, false when an existing one was overwritten.
//   - error: Validation for out-of-range values, Integrity when a parent row is missing.
func (r *RatingRepository) RecordRating(ctx context.Context, userID, movieID string, rating float64) (bool, error) {
	if rating < domain.MinRating || rating > domain.MaxRating {
		return false, domain.Validation("record_rating", "rating %v outside %d-%d", rating, domain.MinRating, domain.MaxRating)
	}

	var row struct {
		IsNew bool
	}
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(upsertRatingSQL, userID, movieID, rating, now, now).Scan(&row).Error; err != nil {
			return err
		}
		return markStale(tx, userID, now)
	})
	if err != nil {
		return false, classifyWrite(ctx, r.db, "record_rating", userID, movieID, err)
	}
	return row.IsNew, nil
}

// DeleteRating removes the rating for (userID, movieID).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: rating user.
//   - movieID: rated movie.
// Returns:
//   - error: NotFound if no such rating exists.
func (r *RatingRepository) DeleteRating(ctx context.Context, userID, movieID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND movie_id = ?", userID, movieID).Delete(&domain.Rating{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NotFound("delete_rating", "rating for user %s movie %s", userID, movieID)
		}
		return markStale(tx, userID, now)
	})
}

// AddExclusion records a dismissed movie. Repeating it is a no-op.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: dismissing user; must exist.
//   - movieID: dismissed movie; must exist.
// Returns:
//   - error: Integrity when a parent row is missing.
func (r *RatingRepository) AddExclusion(ctx context.Context, userID, movieID string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ex := &domain.Exclusion{UserID: userID, MovieID: movieID, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ex).Error; err != nil {
			return err
		}
		return markStale(tx, userID, now)
	})
	return classifyWrite(ctx, r.db, "add_exclusion", userID, movieID, err)
}

// ListRatings returns every rating of the user, oldest first.
func (r *RatingRepository) ListRatings(ctx context.Context, userID string) ([]domain.Rating, error) {
	var ratings []domain.Rating
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at ASC, movie_id ASC").
		Find(&ratings).Error
	return ratings, err
}

// RecentPositiveMovieIDs returns up to limit of the user's positive movies,
// oldest first, keeping the most recently rated ones.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: user whose positives are listed.
//   - limit: maximum number of ids; <= 0 returns all.
// Returns:
//   - []string: movie ids ordered by rating time.
//   - error: non-nil if the query fails.
func (r *RatingRepository) RecentPositiveMovieIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&domain.Rating{}).
		Where("user_id = ? AND rating >= ?", userID, domain.PositiveRatingThreshold).
		Order("updated_at DESC, movie_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("movie_id", &ids).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// CountPositiveRatings counts the user's ratings at or above the positive threshold.
func (r *RatingRepository) CountPositiveRatings(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Rating{}).
		Where("user_id = ? AND rating >= ?", userID, domain.PositiveRatingThreshold).
		Count(&n).Error
	return n, err
}

// CountUsersWithRatings counts distinct users holding at least one rating.
func (r *RatingRepository) CountUsersWithRatings(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Rating{}).Distinct("user_id").Count(&n).Error
	return n, err
}

// SeenMovieIDs returns every movie the user rated or dismissed.
func (r *RatingRepository) SeenMovieIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	var rated, excluded []string
	if err := r.db.WithContext(ctx).Model(&domain.Rating{}).
		Where("user_id = ?", userID).Pluck("movie_id", &rated).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.Exclusion{}).
		Where("user_id = ?", userID).Pluck("movie_id", &excluded).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rated)+len(excluded))
	for _, id := range rated {
		seen[id] = struct{}{}
	}
	for _, id := range excluded {
		seen[id] = struct{}{}
	}
	return seen, nil
}

// PositivesByUsers returns the positive movie ids of each listed user.
func (r *RatingRepository) PositivesByUsers(ctx context.Context, userIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []domain.Rating
	if err := r.db.WithContext(ctx).
		Select("user_id", "movie_id").
		Where("user_id IN ? AND rating >= ?", userIDs, domain.PositiveRatingThreshold).
		Order("user_id ASC, movie_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.UserID] = append(out[row.UserID], row.MovieID)
	}
	return out, nil
}

// AllRatings streams every rating in (user_id, movie_id) order in batches.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchSize: rows fetched per round trip.
//   - fn: called once per batch; a non-nil error stops the scan.
// Returns:
//   - error: non-nil if the query or fn fails.
func (r *RatingRepository) AllRatings(ctx context.Context, batchSize int, fn func([]domain.Rating) error) error {
	// keyset pagination over the composite primary key
	var lastUser, lastMovie string
	for {
		var batch []domain.Rating
		q := r.db.WithContext(ctx).Order("user_id ASC, movie_id ASC").Limit(batchSize)
		if lastUser != "" {
			q = q.Where("user_id > ? OR (user_id = ? AND movie_id > ?)", lastUser, lastUser, lastMovie)
		}
		if err := q.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		last := batch[len(batch)-1]
		lastUser, lastMovie = last.UserID, last.MovieID
		if len(batch) < batchSize {
			return nil
		}
	}
}
