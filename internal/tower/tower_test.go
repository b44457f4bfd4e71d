package tower

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/timmy/movierec/internal/domain"
)

var testGenres = []string{"Action", "Comedy", "Drama", "Horror", "Romance", "Sci-Fi"}

func testDims() Dims {
	return Dims{Title: 12, Genre: len(testGenres), Metadata: 10, Embedding: 16}
}

func randomFeatures(rng *rand.Rand, d Dims, genres []float64) *MovieFeatures {
	f := &MovieFeatures{
		Title:    make([]float64, d.Title),
		Genres:   genres,
		Year:     NormalizeYear(1990 + rng.Intn(30)),
		Metadata: make([]float64, d.Metadata),
	}
	for i := range f.Title {
		f.Title[i] = rng.NormFloat64()
	}
	for i := range f.Metadata {
		f.Metadata[i] = rng.NormFloat64()
	}
	return f
}

func TestEmbeddingNormInvariant(t *testing.T) {
	binarizer := NewGenreBinarizer(testGenres)
	m := NewModel(testDims(), binarizer, 7)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		multiHot, _ := binarizer.Transform([]string{testGenres[i%len(testGenres)], testGenres[(i+2)%len(testGenres)]})
		v := m.Movie.Embed(randomFeatures(rng, m.Movie.Dims, multiHot))
		if math.Abs(v.Norm()-1) >= domain.NormTolerance {
			t.Fatalf("movie embedding %d has norm %.8f", i, v.Norm())
		}
	}

	for _, genres := range [][]string{{"Action"}, {"Comedy", "Drama", "Horror"}, {"Romance", "Sci-Fi"}} {
		v, err := m.EmbedGenres(genres)
		if err != nil {
			t.Fatalf("EmbedGenres(%v) error = %v", genres, err)
		}
		if !v.IsUnit() {
			t.Errorf("user embedding for %v has norm %.8f", genres, v.Norm())
		}
	}
}

func TestGenreBinarizerAlignment(t *testing.T) {
	binarizer := FitGenreBinarizer([][]string{{"Drama", "Action"}, {"Sci-Fi"}, {"Comedy", "Horror", "Romance"}})
	for i := 1; i < binarizer.Len(); i++ {
		if binarizer.Classes[i-1] >= binarizer.Classes[i] {
			t.Fatalf("classes not sorted: %v", binarizer.Classes)
		}
	}

	m := NewModel(testDims(), binarizer, 3)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	selected := []string{"Horror", "Action", "Sci-Fi"}
	movie := &domain.Movie{MovieID: "m1", Genres: domain.StringArray(selected), ReleaseYear: 2001}
	features, err := BuildMovieFeatures(movie, make([]float32, m.Movie.Dims.Title), make([]float32, m.Movie.Dims.Metadata), m.Genres)
	if err != nil {
		t.Fatalf("BuildMovieFeatures() error = %v", err)
	}
	movieSide := features.Genres

	userSide, err := m.Genres.TransformStrict(selected)
	if err != nil {
		t.Fatalf("TransformStrict() error = %v", err)
	}

	if len(movieSide) != len(userSide) {
		t.Fatalf("vector widths differ: movie %d, user %d", len(movieSide), len(userSide))
	}
	for i := range movieSide {
		if movieSide[i] != userSide[i] {
			t.Errorf("component %d (%s): movie %v, user %v", i, binarizer.Classes[i], movieSide[i], userSide[i])
		}
		want := 0.0
		for _, g := range selected {
			if binarizer.Classes[i] == g {
				want = 1
			}
		}
		if userSide[i] != want {
			t.Errorf("component %d (%s) = %v, want %v", i, binarizer.Classes[i], userSide[i], want)
		}
	}

	var buf bytes.Buffer
	if _, err := binarizer.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	loaded, err := ReadGenreBinarizer(&buf)
	if err != nil {
		t.Fatalf("ReadGenreBinarizer() error = %v", err)
	}
	if !loaded.Equal(binarizer) {
		t.Errorf("loaded classes %v, want %v", loaded.Classes, binarizer.Classes)
	}
}

func TestEmbedGenresRejectsUnknown(t *testing.T) {
	m := NewModel(testDims(), NewGenreBinarizer(testGenres), 1)
	_, err := m.EmbedGenres([]string{"Action", "Western"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("EmbedGenres() error = %v, want validation error", err)
	}
}

func TestEmbedMovieRejectsUnknownGenre(t *testing.T) {
	m := NewModel(testDims(), NewGenreBinarizer(testGenres), 1)
	title := make([]float32, m.Movie.Dims.Title)
	meta := make([]float32, m.Movie.Dims.Metadata)

	tests := []struct {
		name   string
		genres []string
		kind   error
	}{
		{"known", []string{"Drama"}, nil},
		{"unknown", []string{"Drama", "Western"}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			movie := &domain.Movie{MovieID: "m1", Genres: domain.StringArray(tt.genres), ReleaseYear: 2010}
			_, err := m.EmbedMovie(movie, title, meta)
			if tt.kind == nil && err != nil {
				t.Fatalf("EmbedMovie() error = %v", err)
			}
			if tt.kind != nil && !errors.Is(err, tt.kind) {
				t.Errorf("EmbedMovie() error = %v, want %v", err, tt.kind)
			}
			if tt.kind != nil && !strings.Contains(err.Error(), "Western") {
				t.Errorf("error %q does not name the unknown genre", err)
			}
		})
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	d := testDims()
	m := NewModel(d, NewGenreBinarizer(testGenres), 11)
	rng := rand.New(rand.NewSource(5))
	multiHot, _ := m.Genres.Transform([]string{"Drama"})
	f := randomFeatures(rng, m.Movie.Dims, multiHot)

	var buf bytes.Buffer
	if _, err := m.Movie.StateDict().WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	sd, err := ReadStateDict(&buf)
	if err != nil {
		t.Fatalf("ReadStateDict() error = %v", err)
	}
	for _, key := range []string{"title_linear.weight", "genre_linear.bias", "year_linear.weight", "metadata_sentence_linear.weight", "projector.bias"} {
		if _, ok := sd[key]; !ok {
			t.Errorf("state dict missing %s", key)
		}
	}

	loaded, err := LoadMovieTower(sd, m.Movie.Dims)
	if err != nil {
		t.Fatalf("LoadMovieTower() error = %v", err)
	}
	want := m.Movie.Embed(f)
	got := loaded.Embed(f)
	for i := range want {
		// weights pass through float32 on disk
		if math.Abs(float64(want[i]-got[i])) > 1e-5 {
			t.Fatalf("component %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoadMovieTowerShapeMismatch(t *testing.T) {
	d := testDims()
	m := NewModel(d, NewGenreBinarizer(testGenres), 2)
	sd := m.Movie.StateDict()

	wrong := m.Movie.Dims
	wrong.Title = 384
	_, err := LoadMovieTower(sd, wrong)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("LoadMovieTower() error = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "title_linear.weight") {
		t.Errorf("error %q does not name the mismatched tensor", err)
	}

	delete(sd, "projector.bias")
	_, err = LoadMovieTower(sd, m.Movie.Dims)
	if err == nil || !strings.Contains(err.Error(), "missing projector.bias") {
		t.Errorf("LoadMovieTower() error = %v, want missing projector.bias", err)
	}
}

// TestMovieTowerGradient compares Backward against central differences for
// the scalar loss sum(out * r).
func TestMovieTowerGradient(t *testing.T) {
	d := Dims{Title: 4, Genre: 3, Metadata: 3, Embedding: 5}
	rng := rand.New(rand.NewSource(9))
	mt := NewMovieTower(d, rng)
	f := randomFeatures(rng, d, []float64{1, 0, 1})
	r := make([]float64, d.Embedding)
	for i := range r {
		r[i] = rng.NormFloat64()
	}

	loss := func() float64 {
		out := mt.Forward(f).Out
		var s float64
		for i := range out {
			s += out[i] * r[i]
		}
		return s
	}

	mt.ZeroGrad()
	mt.Backward(mt.Forward(f), r)

	const eps = 1e-6
	for _, p := range mt.Params() {
		for _, idx := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[idx]
			p.Value[idx] = orig + eps
			up := loss()
			p.Value[idx] = orig - eps
			down := loss()
			p.Value[idx] = orig

			numeric := (up - down) / (2 * eps)
			if diff := math.Abs(numeric - p.Grad[idx]); diff > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %.8f, numeric %.8f", p.Name, idx, p.Grad[idx], numeric)
			}
		}
	}
}
