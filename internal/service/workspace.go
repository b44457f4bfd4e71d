package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/sampling"
	"github.com/timmy/movierec/internal/tower"
)

// Workspace file layout shared by the training stages.
const (
	fileEncodedCatalog = "catalog_encoded.jsonl"
	dirColdStart       = "coldstart"
	dirCollaborative   = "collaborative"
	fileRerankerModel  = "reranker.json"
	fileMovieTower     = "movie_tower.bin"
	fileUserTower      = "user_tower.bin"
	fileGenreBinarizer = "genre_binarizer.json"
)

// Workspace is the local directory each training stage reads its inputs from
// and writes its outputs to, so stages can run as separate invocations.
type Workspace struct {
	dir string
}

// NewWorkspace creates the directory if needed.
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) path(parts ...string) string {
	return filepath.Join(append([]string{w.dir}, parts...)...)
}

func (w *Workspace) create(parts ...string) (*os.File, error) {
	p := w.path(parts...)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

// open maps a missing file to NotFound naming the stage that produces it.
func (w *Workspace) open(stage string, parts ...string) (*os.File, error) {
	f, err := os.Open(w.path(parts...))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NotFound("workspace", "%s is missing, run the %s stage first", filepath.Join(parts...), stage)
	}
	return f, err
}

func (w *Workspace) writeTo(v io.WriterTo, parts ...string) error {
	f, err := w.create(parts...)
	if err != nil {
		return err
	}
	if _, err := v.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func negativesFile(mode sampling.Mode) string {
	return "negatives_" + mode.String() + ".jsonl"
}

// WriteNegatives stores the sampled sets of one mode.
func (w *Workspace) WriteNegatives(mode sampling.Mode, negs []*sampling.UserNegatives) error {
	f, err := w.create(negativesFile(mode))
	if err != nil {
		return err
	}
	if err := sampling.WriteNegatives(f, negs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadNegatives loads the sets written by WriteNegatives.
func (w *Workspace) ReadNegatives(mode sampling.Mode, numSets, numNegatives int) (map[string]*sampling.UserNegatives, error) {
	f, err := w.open("sample", negativesFile(mode))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return sampling.ReadNegatives(f, numSets, numNegatives)
}

type encodedRow struct {
	MovieID  string    `json:"movie_id"`
	Title    []float32 `json:"title"`
	Metadata []float32 `json:"metadata"`
}

// WriteEncodedCatalog stores sentence embeddings so training does not call
// the encoder again.
func (w *Workspace) WriteEncodedCatalog(c *EncodedCatalog) error {
	f, err := w.create(fileEncodedCatalog)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for i, m := range c.Movies {
		if err := enc.Encode(encodedRow{MovieID: m.MovieID, Title: c.Titles[i], Metadata: c.Metadata[i]}); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode catalog row %s: %w", m.MovieID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadEncodedCatalog joins stored embeddings with movies. Movies without a
// stored row are an error: the catalog changed since it was encoded.
func (w *Workspace) ReadEncodedCatalog(movies []*domain.Movie) (*EncodedCatalog, error) {
	f, err := w.open("sample", fileEncodedCatalog)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows := make(map[string]encodedRow)
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var r encodedRow
		err := dec.Decode(&r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode encoded catalog: %w", err)
		}
		rows[r.MovieID] = r
	}

	out := &EncodedCatalog{
		Movies:   movies,
		Titles:   make([][]float32, len(movies)),
		Metadata: make([][]float32, len(movies)),
	}
	for i, m := range movies {
		r, ok := rows[m.MovieID]
		if !ok {
			return nil, domain.Validation("workspace", "movie %s was not encoded, rerun the sample stage", m.MovieID)
		}
		out.Titles[i], out.Metadata[i] = r.Title, r.Metadata
	}
	return out, nil
}

// SaveColdStart stores the cold-start towers with their binarizer.
func (w *Workspace) SaveColdStart(m *tower.Model) error {
	if err := w.writeTo(m.Movie.StateDict(), dirColdStart, fileMovieTower); err != nil {
		return err
	}
	if err := w.writeTo(m.User.StateDict(), dirColdStart, fileUserTower); err != nil {
		return err
	}
	return w.writeTo(m.Genres, dirColdStart, fileGenreBinarizer)
}

func (w *Workspace) readStateDict(stage string, parts ...string) (tower.StateDict, error) {
	f, err := w.open(stage, parts...)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tower.ReadStateDict(f)
}

// LoadColdStart reads the towers written by SaveColdStart. d.Genre is taken
// from the stored binarizer.
func (w *Workspace) LoadColdStart(d tower.Dims) (*tower.Model, error) {
	f, err := w.open("coldstart", dirColdStart, fileGenreBinarizer)
	if err != nil {
		return nil, err
	}
	genres, err := tower.ReadGenreBinarizer(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	d.Genre = genres.Len()

	movieSD, err := w.readStateDict("coldstart", dirColdStart, fileMovieTower)
	if err != nil {
		return nil, err
	}
	movie, err := tower.LoadMovieTower(movieSD, d)
	if err != nil {
		return nil, err
	}
	userSD, err := w.readStateDict("coldstart", dirColdStart, fileUserTower)
	if err != nil {
		return nil, err
	}
	user, err := tower.LoadColdStartUserTower(userSD, d)
	if err != nil {
		return nil, err
	}
	m := &tower.Model{Movie: movie, User: user, Genres: genres}
	return m, m.Validate()
}

// SavePersonalized stores the collaborative movie tower.
func (w *Workspace) SavePersonalized(t *tower.MovieTower) error {
	return w.writeTo(t.StateDict(), dirCollaborative, fileMovieTower)
}

// LoadPersonalized reads the tower written by SavePersonalized.
func (w *Workspace) LoadPersonalized(d tower.Dims) (*tower.MovieTower, error) {
	sd, err := w.readStateDict("collaborative", dirCollaborative, fileMovieTower)
	if err != nil {
		return nil, err
	}
	return tower.LoadMovieTower(sd, d)
}

// SaveReranker stores the trained ensemble.
func (w *Workspace) SaveReranker(e *rerank.Ensemble) error {
	return w.writeTo(e, fileRerankerModel)
}

// LoadReranker reads the ensemble written by SaveReranker.
func (w *Workspace) LoadReranker() (*rerank.Ensemble, error) {
	f, err := w.open("reranker", fileRerankerModel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return rerank.ReadEnsemble(f)
}
