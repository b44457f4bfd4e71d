package domain

import (
	"time"
)

const (
	// PositiveRatingThreshold splits ratings into positive (>=) and negative (<) partitions.
	PositiveRatingThreshold = 4
	// MinRating and MaxRating bound a rating on the production 1-5 scale.
	MinRating = 1
	MaxRating = 5
)

// Foreign-key constraint names declared on the has-many associations of User
// and Movie, used to classify violations reported by postgres.
const (
	ConstraintRatingUser     = "fk_user_ratings_user"
	ConstraintRatingMovie    = "fk_user_ratings_movie"
	ConstraintExclusionUser  = "fk_user_exclusions_user"
	ConstraintExclusionMovie = "fk_user_exclusions_movie"
)

// User is an account known to the recommender. Genres holds the onboarding selection.
type User struct {
	UserID    string      `gorm:"type:text;primaryKey" json:"user_id"`
	Username  string      `gorm:"type:text;index:idx_users_username" json:"username"`
	Genres    StringArray `gorm:"type:text" json:"genres"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`

	Ratings    []Rating    `gorm:"foreignKey:UserID;references:UserID;constraint:fk_user_ratings_user,OnDelete:CASCADE" json:"-"`
	Exclusions []Exclusion `gorm:"foreignKey:UserID;references:UserID;constraint:fk_user_exclusions_user,OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for User.
func (User) TableName() string {
	return "users"
}

// Rating is one (user, movie) rating event. Re-rating overwrites the row.
type Rating struct {
	UserID    string    `gorm:"type:text;primaryKey" json:"user_id"`
	MovieID   string    `gorm:"type:text;primaryKey;index:idx_user_ratings_movie" json:"movie_id"`
	Rating    float64   `gorm:"not null" json:"rating"`
	AddedAt   time.Time `gorm:"not null" json:"added_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Rating.
func (Rating) TableName() string {
	return "user_ratings"
}

// IsPositive reports whether the rating falls in the positive partition.
func (r *Rating) IsPositive() bool {
	return r.Rating >= PositiveRatingThreshold
}

// Exclusion records a movie the user dismissed; it is never recommended again.
type Exclusion struct {
	UserID    string    `gorm:"type:text;primaryKey" json:"user_id"`
	MovieID   string    `gorm:"type:text;primaryKey" json:"movie_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for Exclusion.
func (Exclusion) TableName() string {
	return "user_exclusions"
}

// UserRatingStats caches per-user aggregates. IsStale is raised by every rating
// mutation; StaleVersion increments with it so a recompute can clear the flag
// only if no mutation landed while it ran.
type UserRatingStats struct {
	UserID         string      `gorm:"type:text;primaryKey" json:"user_id"`
	AvgRating      float64     `json:"avg_rating"`
	RatingCount    int64       `json:"rating_count"`
	RatingCountLog float64     `json:"rating_count_log"`
	PositiveCount  int64       `json:"positive_count"`
	TopGenres      StringArray `gorm:"type:text" json:"top_genres"`
	TopActors      StringArray `gorm:"type:text" json:"top_actors"`
	TopDirectors   StringArray `gorm:"type:text" json:"top_directors"`
	IsStale        bool        `gorm:"not null;default:false" json:"is_stale"`
	StaleVersion   int64       `gorm:"not null;default:0" json:"stale_version"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName specifies the table name for UserRatingStats.
func (UserRatingStats) TableName() string {
	return "user_rating_stats"
}
