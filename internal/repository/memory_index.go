package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/timmy/movierec/internal/domain"
)

type memCollection struct {
	dim    int
	points map[string]VectorPoint
}

// MemoryIndex is an exact, in-process VectorIndex for tests and small catalogs.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

func (m *MemoryIndex) EnsureCollection(_ context.Context, collection string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		if c.dim != dim {
			return fmt.Errorf("collection %s has vector size %d, expected %d", collection, c.dim, dim)
		}
		return nil
	}
	m.collections[collection] = &memCollection{dim: dim, points: make(map[string]VectorPoint)}
	return nil
}

func (m *MemoryIndex) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, domain.NotFound("vector_index", "collection %s", name)
	}
	return c, nil
}

func checkDims(c *memCollection, points []VectorPoint) error {
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return domain.Validation("vector_index", "point %s has dimension %d, expected %d", p.ID, len(p.Vector), c.dim)
		}
	}
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, collection string, points []VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	if err := checkDims(c, points); err != nil {
		return err
	}
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

func (m *MemoryIndex) Replace(_ context.Context, collection string, points []VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	if err := checkDims(c, points); err != nil {
		return err
	}
	next := &memCollection{dim: c.dim, points: make(map[string]VectorPoint, len(points))}
	for _, p := range points {
		next.points[p.ID] = p
	}
	m.collections[collection] = next
	return nil
}

func (m *MemoryIndex) Nearest(_ context.Context, collection string, query domain.Vector, k int, filter *VectorFilter) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != c.dim {
		return nil, domain.Validation("vector_index", "query has dimension %d, expected %d", len(query), c.dim)
	}

	var exclude map[string]struct{}
	var genres map[string]struct{}
	if filter != nil {
		exclude = toSet(filter.ExcludeIDs)
		if len(filter.AnyGenres) > 0 {
			genres = toSet(filter.AnyGenres)
		}
	}

	q := query.Normalized()
	hits := make([]Neighbor, 0, len(c.points))
	for id, p := range c.points {
		if _, skip := exclude[id]; skip {
			continue
		}
		if genres != nil && !sharesAny(p.Genres, genres) {
			continue
		}
		hits = append(hits, Neighbor{ID: id, Distance: 1 - q.Dot(p.Vector.Normalized())})
	}
	return sortNeighbors(hits, k), nil
}

func (m *MemoryIndex) Close() error {
	return nil
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sharesAny(values []string, set map[string]struct{}) bool {
	for _, v := range values {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
