package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MaxCastInSentence caps the cast names folded into a metadata sentence.
const MaxCastInSentence = 15

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Contains reports whether s is in the array.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Movie is an immutable catalog entry keyed by its external (TMDB) id.
type Movie struct {
	MovieID         string      `gorm:"type:text;primaryKey" json:"movie_id"`
	Title           string      `gorm:"type:text;not null" json:"title"`
	ReleaseYear     int         `gorm:"index:idx_movies_year" json:"release_year"`
	Genres          StringArray `gorm:"type:text" json:"genres"`
	Actors          StringArray `gorm:"type:text" json:"actors"`
	Directors       StringArray `gorm:"type:text" json:"directors"`
	Overview        string      `gorm:"type:text" json:"overview"`
	PosterPath      string      `gorm:"type:text" json:"poster_path,omitempty"`
	TMDBVoteAverage float64     `json:"tmdb_vote_average"`
	TMDBVoteCount   int64       `json:"tmdb_vote_count"`
	TMDBPopularity  float64     `json:"tmdb_popularity"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`

	Ratings    []Rating    `gorm:"foreignKey:MovieID;references:MovieID;constraint:fk_user_ratings_movie,OnDelete:CASCADE" json:"-"`
	Exclusions []Exclusion `gorm:"foreignKey:MovieID;references:MovieID;constraint:fk_user_exclusions_movie,OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Movie.
func (Movie) TableName() string {
	return "movie_metadata"
}

// MetadataSentence builds the text fed to the sentence encoder:
// "<overview>. Directed by <d1, d2>. Starring <a1, ..., a15>".
// A movie missing its overview, director or cast is rejected.
func (m *Movie) MetadataSentence() (string, error) {
	overview := strings.TrimSpace(m.Overview)
	if overview == "" {
		return "", Validation("metadata_sentence", "movie %s has no overview", m.MovieID)
	}
	if len(m.Directors) == 0 {
		return "", Validation("metadata_sentence", "movie %s has no director", m.MovieID)
	}
	if len(m.Actors) == 0 {
		return "", Validation("metadata_sentence", "movie %s has no cast", m.MovieID)
	}

	cast := []string(m.Actors)
	if len(cast) > MaxCastInSentence {
		cast = cast[:MaxCastInSentence]
	}

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(overview, "."))
	b.WriteString(". Directed by ")
	b.WriteString(strings.Join(m.Directors, ", "))
	b.WriteString(". Starring ")
	b.WriteString(strings.Join(cast, ", "))
	return b.String(), nil
}

// MovieRatingStats holds per-movie aggregate signals consumed by the reranker.
type MovieRatingStats struct {
	MovieID        string    `gorm:"type:text;primaryKey" json:"movie_id"`
	AvgRating      float64   `json:"avg_rating"`
	RatingCount    int64     `json:"rating_count"`
	RatingCountLog float64   `json:"rating_count_log"`
	TMDBAvgRating  float64   `json:"tmdb_avg_rating"`
	TMDBVoteLog    float64   `json:"tmdb_vote_log"`
	TMDBPopularity float64   `json:"tmdb_popularity"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for MovieRatingStats.
func (MovieRatingStats) TableName() string {
	return "movie_rating_stats"
}
