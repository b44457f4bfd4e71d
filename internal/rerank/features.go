package rerank

import (
	"math"

	"github.com/timmy/movierec/internal/domain"
)

// FeatureNames is the column order shared by training and inference.
var FeatureNames = []string{
	"collab_similarity",
	"movie_rating_count_log",
	"movie_avg_rating",
	"tmdb_avg_rating",
	"tmdb_vote_count_log",
	"tmdb_popularity",
	"recency",
	"recency_x_user_avg_rating",
	"user_rating_count_log",
	"user_avg_rating",
	"genre_overlap",
	"actor_overlap",
	"director_overlap",
}

// NumFeatures is len(FeatureNames).
var NumFeatures = len(FeatureNames)

// recencyWindow is the age in years at which recency reaches zero.
const recencyWindow = 50.0

// UserProfile is the user side of a feature row.
type UserProfile struct {
	UserID         string
	AvgRating      float64
	RatingCountLog float64
	TopGenres      []string
	TopActors      []string
	TopDirectors   []string
}

// ProfileFromStats builds a profile from cached user stats.
func ProfileFromStats(s *domain.UserRatingStats) UserProfile {
	if s == nil {
		return UserProfile{}
	}
	return UserProfile{
		UserID:         s.UserID,
		AvgRating:      s.AvgRating,
		RatingCountLog: s.RatingCountLog,
		TopGenres:      s.TopGenres,
		TopActors:      s.TopActors,
		TopDirectors:   s.TopDirectors,
	}
}

// Candidate is one movie to score. Stats may be nil for a movie nobody rated.
type Candidate struct {
	Movie      *domain.Movie
	Stats      *domain.MovieRatingStats
	Similarity float64
}

// Recency scores release age as 1 - age/50 clipped to [0, 1].
func Recency(currentYear, releaseYear int) float64 {
	r := 1 - float64(currentYear-releaseYear)/recencyWindow
	return math.Max(0, math.Min(1, r))
}

func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	n := 0
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			n++
		}
	}
	return float64(n)
}

// Extract builds the feature row for (user, candidate) in FeatureNames order.
func Extract(u UserProfile, c Candidate, currentYear int) []float64 {
	m := c.Movie
	row := make([]float64, NumFeatures)
	row[0] = c.Similarity
	if s := c.Stats; s != nil {
		row[1] = s.RatingCountLog
		row[2] = s.AvgRating
		row[3] = s.TMDBAvgRating
		row[4] = s.TMDBVoteLog
		row[5] = s.TMDBPopularity
	} else {
		row[3] = m.TMDBVoteAverage
		row[4] = math.Log1p(float64(m.TMDBVoteCount))
		row[5] = m.TMDBPopularity
	}
	recency := Recency(currentYear, m.ReleaseYear)
	row[6] = recency
	row[7] = recency * u.AvgRating
	row[8] = u.RatingCountLog
	row[9] = u.AvgRating
	row[10] = overlap(u.TopGenres, m.Genres)
	row[11] = overlap(u.TopActors, m.Actors)
	row[12] = overlap(u.TopDirectors, m.Directors)
	return row
}
