package tower

import (
	"math/rand"

	"github.com/timmy/movierec/internal/domain"
)

// State dict sub-module keys of the movie tower.
const (
	KeyTitleLinear    = "title_linear"
	KeyGenreLinear    = "genre_linear"
	KeyYearLinear     = "year_linear"
	KeyMetadataLinear = "metadata_sentence_linear"
	KeyProjector      = "projector"
)

// numBranches is the number of independently normalized feature groups.
const numBranches = 4

// Dims fixes every tower shape.
type Dims struct {
	Title     int // title sentence-embedding width
	Genre     int // genre vocabulary size
	Metadata  int // metadata sentence-embedding width
	Embedding int // shared output width
}

// MovieFeatures are the precomputed inputs for one movie.
type MovieFeatures struct {
	Title    []float64
	Genres   []float64
	Year     float64
	Metadata []float64
}

// NormalizeYear maps a release year to (year-1900)/125.
func NormalizeYear(year int) float64 {
	return float64(year-1900) / 125.0
}

// BuildMovieFeatures assembles tower inputs for a movie from its encoded title
// and metadata sentence. Genres go through the shared binarizer; a genre the
// binarizer was not fitted on is a Validation error.
func BuildMovieFeatures(m *domain.Movie, title, metadata []float32, genres *GenreBinarizer) (*MovieFeatures, error) {
	multiHot, unknown := genres.Transform(m.Genres)
	if len(unknown) > 0 {
		return nil, domain.Validation("movie_features", "movie %s has genres %v outside the model vocabulary", m.MovieID, unknown)
	}
	return &MovieFeatures{
		Title:    toFloat64(title),
		Genres:   multiHot,
		Year:     NormalizeYear(m.ReleaseYear),
		Metadata: toFloat64(metadata),
	}, nil
}

// MovieTower projects four feature groups to Embedding dims each, applies ReLU
// and L2 normalization per group, concatenates them and projects back down.
type MovieTower struct {
	Dims      Dims
	Title     *Linear
	Genre     *Linear
	Year      *Linear
	Metadata  *Linear
	Projector *Linear
}

// NewMovieTower builds a randomly initialized movie tower.
func NewMovieTower(d Dims, rng *rand.Rand) *MovieTower {
	return &MovieTower{
		Dims:      d,
		Title:     NewLinear(d.Title, d.Embedding, rng),
		Genre:     NewLinear(d.Genre, d.Embedding, rng),
		Year:      NewLinear(1, d.Embedding, rng),
		Metadata:  NewLinear(d.Metadata, d.Embedding, rng),
		Projector: NewLinear(numBranches*d.Embedding, d.Embedding, rng),
	}
}

func (t *MovieTower) branches() [numBranches]*Linear {
	return [numBranches]*Linear{t.Title, t.Genre, t.Year, t.Metadata}
}

// MovieActivation keeps the intermediates of one forward pass for Backward.
type MovieActivation struct {
	inputs [numBranches][]float64
	pre    [numBranches][]float64
	normed [numBranches][]float64
	norms  [numBranches]float64
	concat []float64

	// Out is the projector output, not normalized.
	Out []float64
}

// Forward runs the tower on one movie.
func (t *MovieTower) Forward(f *MovieFeatures) *MovieActivation {
	a := &MovieActivation{
		inputs: [numBranches][]float64{f.Title, f.Genres, {f.Year}, f.Metadata},
		concat: make([]float64, 0, numBranches*t.Dims.Embedding),
	}
	for i, l := range t.branches() {
		a.pre[i] = l.Forward(a.inputs[i])
		a.normed[i], a.norms[i] = l2Normalize(relu(a.pre[i]))
		a.concat = append(a.concat, a.normed[i]...)
	}
	a.Out = t.Projector.Forward(a.concat)
	return a
}

// Backward accumulates gradients given dL/dOut for activation a.
func (t *MovieTower) Backward(a *MovieActivation, gOut []float64) {
	gConcat := t.Projector.Backward(a.concat, gOut, true)
	d := t.Dims.Embedding
	for i, l := range t.branches() {
		g := gConcat[i*d : (i+1)*d]
		g = normalizeBackward(a.normed[i], a.norms[i], g)
		g = reluBackward(a.pre[i], g)
		l.Backward(a.inputs[i], g, false)
	}
}

// Embed returns the serving embedding: projector output renormalized to unit length.
func (t *MovieTower) Embed(f *MovieFeatures) domain.Vector {
	out, _ := l2Normalize(t.Forward(f).Out)
	return domain.Vector(toFloat32(out))
}

// Params lists every trainable tensor.
func (t *MovieTower) Params() []*Param {
	var ps []*Param
	ps = append(ps, t.Title.Params(KeyTitleLinear)...)
	ps = append(ps, t.Genre.Params(KeyGenreLinear)...)
	ps = append(ps, t.Year.Params(KeyYearLinear)...)
	ps = append(ps, t.Metadata.Params(KeyMetadataLinear)...)
	ps = append(ps, t.Projector.Params(KeyProjector)...)
	return ps
}

// ZeroGrad clears accumulated gradients.
func (t *MovieTower) ZeroGrad() {
	for _, l := range t.branches() {
		l.ZeroGrad()
	}
	t.Projector.ZeroGrad()
}

// MovieTowerSchema returns the expected state dict layout for d.
func MovieTowerSchema(d Dims) Schema {
	s := Schema{}
	linearSchema(s, KeyTitleLinear, d.Title, d.Embedding)
	linearSchema(s, KeyGenreLinear, d.Genre, d.Embedding)
	linearSchema(s, KeyYearLinear, 1, d.Embedding)
	linearSchema(s, KeyMetadataLinear, d.Metadata, d.Embedding)
	linearSchema(s, KeyProjector, numBranches*d.Embedding, d.Embedding)
	return s
}

// StateDict exports the weights.
func (t *MovieTower) StateDict() StateDict {
	sd := StateDict{}
	sd.putLinear(KeyTitleLinear, t.Title)
	sd.putLinear(KeyGenreLinear, t.Genre)
	sd.putLinear(KeyYearLinear, t.Year)
	sd.putLinear(KeyMetadataLinear, t.Metadata)
	sd.putLinear(KeyProjector, t.Projector)
	return sd
}

// LoadMovieTower validates sd against the expected shapes for d and builds the tower.
func LoadMovieTower(sd StateDict, d Dims) (*MovieTower, error) {
	if err := sd.Validate(MovieTowerSchema(d)); err != nil {
		return nil, err
	}
	return &MovieTower{
		Dims:      d,
		Title:     sd.linear(KeyTitleLinear),
		Genre:     sd.linear(KeyGenreLinear),
		Year:      sd.linear(KeyYearLinear),
		Metadata:  sd.linear(KeyMetadataLinear),
		Projector: sd.linear(KeyProjector),
	}, nil
}
