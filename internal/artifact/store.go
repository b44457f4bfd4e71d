package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/storage"
	"github.com/timmy/movierec/internal/tower"
)

// Files of one bundle under <prefix>/<version>/.
const (
	FileMovieTower        = "movie_tower.bin"
	FilePersonalizedTower = "movie_tower_personalized.bin"
	FileUserTower         = "user_tower.bin"
	FileGenreBinarizer    = "genre_binarizer.json"
	FileReranker          = "reranker.json"
	FileManifest          = "manifest.json"

	// LatestVersion resolves through the pointer written by Activate.
	LatestVersion = "latest"
	pointerFile   = "latest.json"

	manifestFormat = 1
)

var requiredFiles = []string{FileMovieTower, FilePersonalizedTower, FileUserTower, FileGenreBinarizer, FileReranker, FileManifest}

// Manifest describes a bundle. Checksums are hex sha256 per file.
type Manifest struct {
	Format    int               `json:"format"`
	Version   string            `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Dims      tower.Dims        `json:"dims"`
	Genres    []string          `json:"genres"`
	Features  []string          `json:"features"`
	Checksums map[string]string `json:"checksums"`
}

// Bundle is everything one model version consists of. Model holds the
// cold-start towers; Personalized is the movie tower trained against
// collaborative user embeddings. Both share Model.Genres.
type Bundle struct {
	Version      string
	Model        *tower.Model
	Personalized *tower.MovieTower
	Reranker     *rerank.Ensemble
	Manifest     *Manifest
}

// Store keeps versioned bundles in object storage.
type Store struct {
	objects storage.ObjectStorage
	prefix  string
}

// NewStore creates a Store rooted at prefix ("models" when empty).
func NewStore(objects storage.ObjectStorage, prefix string) *Store {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "models"
	}
	return &Store{objects: objects, prefix: prefix}
}

func (s *Store) key(version, file string) string {
	return path.Join(s.prefix, version, file)
}

func validVersion(version string) error {
	if version == "" || version == LatestVersion || strings.ContainsAny(version, "/\\") || strings.HasPrefix(version, ".") {
		return domain.Validation("artifact", "invalid model version %q", version)
	}
	return nil
}

type writerTo interface {
	WriteTo(w io.Writer) (int64, error)
}

func encode(w writerTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Save uploads a bundle. The manifest goes last so a partial upload never
// looks complete.
// Parameters:
//   - ctx: context for the uploads.
//   - version: version tag naming the bundle directory.
//   - model: validated cold-start towers and binarizer.
//   - personalized: collaborative movie tower with the same dims as model.Movie.
//   - ranker: trained reranker ensemble.
// Returns:
//   - *Manifest: the manifest written.
//   - error: non-nil on validation or upload failure.
func (s *Store) Save(ctx context.Context, version string, model *tower.Model, personalized *tower.MovieTower, ranker *rerank.Ensemble) (*Manifest, error) {
	if err := validVersion(version); err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if personalized == nil || personalized.Dims != model.Movie.Dims {
		return nil, domain.Validation("artifact", "personalized movie tower does not match the cold-start dims")
	}
	if err := ranker.Validate(); err != nil {
		return nil, err
	}

	files := make(map[string][]byte, len(requiredFiles))
	var err error
	if files[FileMovieTower], err = encode(model.Movie.StateDict()); err != nil {
		return nil, fmt.Errorf("failed to encode movie tower: %w", err)
	}
	if files[FilePersonalizedTower], err = encode(personalized.StateDict()); err != nil {
		return nil, fmt.Errorf("failed to encode personalized movie tower: %w", err)
	}
	if files[FileUserTower], err = encode(model.User.StateDict()); err != nil {
		return nil, fmt.Errorf("failed to encode user tower: %w", err)
	}
	if files[FileGenreBinarizer], err = encode(model.Genres); err != nil {
		return nil, err
	}
	if files[FileReranker], err = encode(ranker); err != nil {
		return nil, fmt.Errorf("failed to encode reranker: %w", err)
	}

	m := &Manifest{
		Format:    manifestFormat,
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Dims:      model.Movie.Dims,
		Genres:    model.Genres.Classes,
		Features:  ranker.FeatureNames,
		Checksums: make(map[string]string, len(files)),
	}
	names := make([]string, 0, len(files))
	for name, b := range files {
		m.Checksums[name] = checksum(b)
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.upload(ctx, s.key(version, name), files[name]); err != nil {
			return nil, err
		}
	}
	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := s.upload(ctx, s.key(version, FileManifest), manifest); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{"model_version": version}).
		WithCount(len(requiredFiles)).
		Info(ctx, "Saved model bundle %s", version)
	return m, nil
}

func (s *Store) upload(ctx context.Context, key string, data []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}
	if err := s.objects.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *Store) download(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return b, nil
}

type pointer struct {
	Version     string    `json:"version"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Activate points LatestVersion at version after checking the bundle is complete.
func (s *Store) Activate(ctx context.Context, version string) error {
	if err := validVersion(version); err != nil {
		return err
	}
	if err := s.checkComplete(ctx, version); err != nil {
		return err
	}
	b, err := json.Marshal(pointer{Version: version, ActivatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := s.upload(ctx, path.Join(s.prefix, pointerFile), b); err != nil {
		return err
	}
	logger.With(logger.Fields{"model_version": version}).Info(ctx, "Activated model bundle %s", version)
	return nil
}

// Resolve maps LatestVersion to the activated version; other tags pass through.
func (s *Store) Resolve(ctx context.Context, version string) (string, error) {
	if version != LatestVersion && version != "" {
		return version, validVersion(version)
	}
	b, err := s.download(ctx, path.Join(s.prefix, pointerFile))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NotFound("artifact", "no model version has been activated")
		}
		return "", err
	}
	var p pointer
	if err := json.Unmarshal(b, &p); err != nil {
		return "", domain.Validation("artifact", "decode version pointer: %v", err)
	}
	return p.Version, validVersion(p.Version)
}

// Versions lists the manifests of every stored bundle, newest first. Bundles
// without a manifest are incomplete and skipped.
func (s *Store) Versions(ctx context.Context) ([]*Manifest, error) {
	keys, err := s.objects.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, key := range keys {
		if path.Base(key) != FileManifest || path.Dir(path.Dir(key)) != s.prefix {
			continue
		}
		raw, err := s.download(ctx, key)
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.CtxWarn(ctx, "Skipping unreadable manifest %s: %v", key, err)
			continue
		}
		out = append(out, &m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// checkComplete fails with NotFound naming every missing file.
func (s *Store) checkComplete(ctx context.Context, version string) error {
	var missing []string
	for _, name := range requiredFiles {
		ok, err := s.objects.Exists(ctx, s.key(version, name))
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", name, err)
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return domain.NotFound("artifact", "model %s is missing %s", version, strings.Join(missing, ", "))
	}
	return nil
}

// Load fetches and validates a complete bundle. Nothing is returned unless
// every file is present, matches its checksum and fits want.
// Parameters:
//   - ctx: context for the downloads.
//   - version: version tag, or LatestVersion.
//   - want: expected title, metadata and embedding widths; Genre is ignored.
// Returns:
//   - *Bundle: the loaded bundle.
//   - error: NotFound when any file is absent, Validation on any mismatch.
func (s *Store) Load(ctx context.Context, version string, want tower.Dims) (*Bundle, error) {
	version, err := s.Resolve(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := s.checkComplete(ctx, version); err != nil {
		return nil, err
	}

	raw, err := s.download(ctx, s.key(version, FileManifest))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.Validation("artifact", "decode manifest: %v", err)
	}
	if m.Format != manifestFormat {
		return nil, domain.Validation("artifact", "unsupported manifest format %d", m.Format)
	}
	d := m.Dims
	if d.Title != want.Title || d.Metadata != want.Metadata || d.Embedding != want.Embedding {
		return nil, domain.Validation("artifact", "model %s has dims title=%d metadata=%d embedding=%d, configured %d/%d/%d",
			version, d.Title, d.Metadata, d.Embedding, want.Title, want.Metadata, want.Embedding)
	}

	files := make(map[string][]byte, len(requiredFiles)-1)
	for _, name := range requiredFiles {
		if name == FileManifest {
			continue
		}
		b, err := s.download(ctx, s.key(version, name))
		if err != nil {
			return nil, err
		}
		if got := checksum(b); got != m.Checksums[name] {
			return nil, domain.Validation("artifact", "%s checksum mismatch", name)
		}
		files[name] = b
	}

	genres, err := tower.ReadGenreBinarizer(bytes.NewReader(files[FileGenreBinarizer]))
	if err != nil {
		return nil, err
	}
	if !genres.Equal(tower.NewGenreBinarizer(m.Genres)) {
		return nil, domain.Validation("artifact", "genre binarizer does not match manifest vocabulary")
	}
	d.Genre = genres.Len()

	movieSD, err := tower.ReadStateDict(bytes.NewReader(files[FileMovieTower]))
	if err != nil {
		return nil, err
	}
	movie, err := tower.LoadMovieTower(movieSD, d)
	if err != nil {
		return nil, err
	}
	personalSD, err := tower.ReadStateDict(bytes.NewReader(files[FilePersonalizedTower]))
	if err != nil {
		return nil, err
	}
	personalized, err := tower.LoadMovieTower(personalSD, d)
	if err != nil {
		return nil, err
	}
	userSD, err := tower.ReadStateDict(bytes.NewReader(files[FileUserTower]))
	if err != nil {
		return nil, err
	}
	user, err := tower.LoadColdStartUserTower(userSD, d)
	if err != nil {
		return nil, err
	}
	model := &tower.Model{Movie: movie, User: user, Genres: genres}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	ranker, err := rerank.ReadEnsemble(bytes.NewReader(files[FileReranker]))
	if err != nil {
		return nil, err
	}

	logger.With(logger.Fields{"model_version": version}).Info(ctx, "Loaded model bundle %s: %s, %d trees", version, model, len(ranker.Trees))
	return &Bundle{Version: version, Model: model, Personalized: personalized, Reranker: ranker, Manifest: &m}, nil
}
