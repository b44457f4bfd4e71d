package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
)

// ANN collections. Movie collections mirror the production embedding tables.
const (
	CollectionMoviesColdStart    = "movies_coldstart"
	CollectionMoviesPersonalized = "movies_personalized"
	CollectionUsers              = "users_personalized"
)

// VectorPoint is one indexed embedding. Genres is payload used for filtering.
type VectorPoint struct {
	ID     string
	Vector domain.Vector
	Genres []string
}

// Neighbor is one ANN hit. Distance is cosine distance, 1 - similarity.
type Neighbor struct {
	ID       string
	Distance float64
}

// VectorFilter restricts a nearest-neighbor query. Empty fields do not filter.
type VectorFilter struct {
	// AnyGenres keeps points sharing at least one genre.
	AnyGenres []string
	// ExcludeIDs drops points by id.
	ExcludeIDs []string
}

// VectorIndex is the ANN backend. Replace swaps a collection's contents
// atomically: queries see either the old set or the new one.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, collection string, dim int) error
	Upsert(ctx context.Context, collection string, points []VectorPoint) error
	Replace(ctx context.Context, collection string, points []VectorPoint) error
	Nearest(ctx context.Context, collection string, query domain.Vector, k int, filter *VectorFilter) ([]Neighbor, error)
	Close() error
}

// NewVectorIndex builds the backend selected by cfg.Backend.
// Parameters:
//   - cfg: full configuration; Index, Qdrant and Model sections are read.
//   - db: database handle used by the pgvector backend.
// Returns:
//   - VectorIndex: the configured backend.
//   - error: non-nil for an unknown backend or a connection failure.
func NewVectorIndex(cfg *config.Config, db *gorm.DB) (VectorIndex, error) {
	switch cfg.Index.Backend {
	case "qdrant":
		return NewQdrantIndex(&QdrantConnectionConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		})
	case "pgvector":
		if db == nil || !isPostgres(db) {
			return nil, fmt.Errorf("pgvector backend requires a postgres database")
		}
		return NewPGVectorIndex(db), nil
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend)
	}
}

// sortNeighbors orders hits by distance, ties by id, and truncates to k.
func sortNeighbors(hits []Neighbor, k int) []Neighbor {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
