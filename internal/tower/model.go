package tower

import (
	"fmt"
	"math/rand"

	"github.com/timmy/movierec/internal/domain"
)

// Model bundles both towers with the genre binarizer they share.
// The three always travel together.
type Model struct {
	Movie  *MovieTower
	User   *ColdStartUserTower
	Genres *GenreBinarizer
}

// NewModel builds a randomly initialized model for the given vocabulary.
// d.Genre is taken from the binarizer.
func NewModel(d Dims, genres *GenreBinarizer, seed int64) *Model {
	d.Genre = genres.Len()
	rng := rand.New(rand.NewSource(seed))
	return &Model{
		Movie:  NewMovieTower(d, rng),
		User:   NewColdStartUserTower(d, rng),
		Genres: genres,
	}
}

// Validate checks that both towers were built for the binarizer's vocabulary.
func (m *Model) Validate() error {
	if m.Movie == nil || m.User == nil || m.Genres == nil {
		return domain.Validation("model", "model is missing a tower or the genre binarizer")
	}
	n := m.Genres.Len()
	if m.Movie.Dims.Genre != n || m.Movie.Genre.In != n {
		return domain.Validation("model", "movie tower expects %d genres, binarizer has %d", m.Movie.Genre.In, n)
	}
	if m.User.Dims.Genre != n || m.User.Projector.In != n {
		return domain.Validation("model", "user tower expects %d genres, binarizer has %d", m.User.Projector.In, n)
	}
	if m.Movie.Dims.Embedding != m.User.Dims.Embedding {
		return domain.Validation("model", "tower widths differ: movie %d, user %d", m.Movie.Dims.Embedding, m.User.Dims.Embedding)
	}
	return nil
}

// EmbedGenres embeds a user's selected genres. Unknown genres are rejected.
func (m *Model) EmbedGenres(genres []string) (domain.Vector, error) {
	if len(genres) == 0 {
		return nil, domain.Validation("embed_genres", "at least one genre is required")
	}
	multiHot, err := m.Genres.TransformStrict(genres)
	if err != nil {
		return nil, err
	}
	return m.User.Embed(multiHot), nil
}

// EmbedMovie embeds a movie from its encoded title and metadata sentence.
func (m *Model) EmbedMovie(movie *domain.Movie, title, metadata []float32) (domain.Vector, error) {
	if len(title) != m.Movie.Dims.Title {
		return nil, domain.Validation("embed_movie", "movie %s title embedding has %d dims, expected %d",
			movie.MovieID, len(title), m.Movie.Dims.Title)
	}
	if len(metadata) != m.Movie.Dims.Metadata {
		return nil, domain.Validation("embed_movie", "movie %s metadata embedding has %d dims, expected %d",
			movie.MovieID, len(metadata), m.Movie.Dims.Metadata)
	}
	features, err := BuildMovieFeatures(movie, title, metadata, m.Genres)
	if err != nil {
		return nil, err
	}
	v := m.Movie.Embed(features)
	if !v.IsUnit() {
		return nil, domain.Numerical("embed_movie", "movie %s embedding has norm %.6f", movie.MovieID, v.Norm())
	}
	return v, nil
}

// String summarizes the model shapes.
func (m *Model) String() string {
	d := m.Movie.Dims
	return fmt.Sprintf("movie-tower(title=%d genre=%d metadata=%d -> %d) user-tower(%d -> %d)",
		d.Title, d.Genre, d.Metadata, d.Embedding, m.User.Dims.Genre, m.User.Dims.Embedding)
}
