package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MovieRepository handles catalog reads and writes.
type MovieRepository struct {
	db *gorm.DB
}

// NewMovieRepository creates a new MovieRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *MovieRepository: repository instance bound to db.
func NewMovieRepository(db *gorm.DB) *MovieRepository {
	return &MovieRepository{db: db}
}

// Upsert creates or replaces catalog entries keyed by movie_id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - movies: catalog entries to write.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *MovieRepository) Upsert(ctx context.Context, movies []*domain.Movie) error {
	if len(movies) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "movie_id"}},
		UpdateAll: true,
	}).CreateInBatches(movies, 500).Error
}

// GetByID retrieves a movie by its id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - movieID: catalog id.
// Returns:
//   - *domain.Movie: movie record if found.
//   - error: NotFound if absent.
func (r *MovieRepository) GetByID(ctx context.Context, movieID string) (*domain.Movie, error) {
	var movie domain.Movie
	err := r.db.WithContext(ctx).First(&movie, "movie_id = ?", movieID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("get_movie", "movie %s", movieID)
	}
	if err != nil {
		return nil, err
	}
	return &movie, nil
}

// GetByIDs retrieves movies keyed by id. Unknown ids are absent from the map.
func (r *MovieRepository) GetByIDs(ctx context.Context, movieIDs []string) (map[string]*domain.Movie, error) {
	out := make(map[string]*domain.Movie, len(movieIDs))
	if len(movieIDs) == 0 {
		return out, nil
	}
	var movies []*domain.Movie
	if err := r.db.WithContext(ctx).Where("movie_id IN ?", movieIDs).Find(&movies).Error; err != nil {
		return nil, err
	}
	for _, m := range movies {
		out[m.MovieID] = m
	}
	return out, nil
}

// ListAll returns the whole catalog ordered by id.
func (r *MovieRepository) ListAll(ctx context.Context) ([]*domain.Movie, error) {
	var movies []*domain.Movie
	err := r.db.WithContext(ctx).Order("movie_id ASC").Find(&movies).Error
	return movies, err
}

// Count returns the catalog size.
func (r *MovieRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Movie{}).Count(&n).Error
	return n, err
}

// RandomOutsideGenres samples up to n movies that share none of genres and
// are not in exclude, in random order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - genres: genres the picks must avoid.
//   - exclude: movie ids that must not be picked.
//   - n: number of movies wanted.
// Returns:
//   - []*domain.Movie: at most n movies.
//   - error: non-nil if the query fails.
func (r *MovieRepository) RandomOutsideGenres(ctx context.Context, genres []string, exclude []string, n int) ([]*domain.Movie, error) {
	if n <= 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).Model(&domain.Movie{})
	for _, g := range genres {
		// genres are stored as a JSON array; match the encoded element
		encoded, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		q = q.Where("genres NOT LIKE ?", "%"+string(encoded)+"%")
	}
	if len(exclude) > 0 {
		q = q.Where("movie_id NOT IN ?", exclude)
	}
	var movies []*domain.Movie
	err := q.Order("RANDOM()").Limit(n).Find(&movies).Error
	return movies, err
}
