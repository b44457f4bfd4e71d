package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// pgvectorRow is one row of a vec_<collection> table. Genres are stored
// as "|g1|g2|" so a LIKE pattern can match a single genre.
type pgvectorRow struct {
	ID        string          `gorm:"column:id;primaryKey"`
	Embedding pgvector.Vector `gorm:"column:embedding"`
	Genres    string          `gorm:"column:genres"`
}

type pgvectorHit struct {
	ID       string
	Distance float64
}

// PGVectorIndex keeps each collection in a postgres table with an HNSW index.
type PGVectorIndex struct {
	db *gorm.DB
}

// NewPGVectorIndex creates a PGVectorIndex on db. The vector extension must be installable.
func NewPGVectorIndex(db *gorm.DB) *PGVectorIndex {
	return &PGVectorIndex{db: db}
}

func pgvectorTable(collection string) (string, error) {
	if !collectionNamePattern.MatchString(collection) {
		return "", domain.Validation("vector_index", "invalid collection name %q", collection)
	}
	return "vec_" + collection, nil
}

func encodeGenres(genres []string) string {
	if len(genres) == 0 {
		return ""
	}
	return "|" + strings.Join(genres, "|") + "|"
}

// EnsureCollection creates the table and its cosine HNSW index.
func (p *PGVectorIndex) EnsureCollection(ctx context.Context, collection string, dim int) error {
	table, err := pgvectorTable(collection)
	if err != nil {
		return err
	}
	db := p.db.WithContext(ctx)
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, embedding vector(%d) NOT NULL, genres text NOT NULL DEFAULT '')", table, dim),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_hnsw ON %s USING hnsw (embedding vector_cosine_ops)", table, table),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to ensure collection %s: %w", collection, err)
		}
	}
	return nil
}

func toRows(points []VectorPoint) []pgvectorRow {
	rows := make([]pgvectorRow, len(points))
	for i, pt := range points {
		rows[i] = pgvectorRow{ID: pt.ID, Embedding: pgvector.NewVector(pt.Vector), Genres: encodeGenres(pt.Genres)}
	}
	return rows
}

func upsertRows(tx *gorm.DB, table string, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, embedding, genres) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET embedding = excluded.embedding, genres = excluded.genres`, table)
	for _, row := range toRows(points) {
		if err := tx.Exec(sql, row.ID, row.Embedding, row.Genres).Error; err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", row.ID, err)
		}
	}
	return nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, collection string, points []VectorPoint) error {
	table, err := pgvectorTable(collection)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertRows(tx, table, points)
	})
}

// Replace rewrites the table in one transaction; concurrent readers keep
// their snapshot of the old rows until commit.
func (p *PGVectorIndex) Replace(ctx context.Context, collection string, points []VectorPoint) error {
	table, err := pgvectorTable(collection)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
			return err
		}
		return upsertRows(tx, table, points)
	})
}

func (p *PGVectorIndex) Nearest(ctx context.Context, collection string, query domain.Vector, k int, filter *VectorFilter) ([]Neighbor, error) {
	table, err := pgvectorTable(collection)
	if err != nil {
		return nil, err
	}
	q := pgvector.NewVector(query)
	tx := p.db.WithContext(ctx).Table(table).
		Select("id, embedding <=> ? AS distance", q)
	if filter != nil {
		if len(filter.ExcludeIDs) > 0 {
			tx = tx.Where("id NOT IN ?", filter.ExcludeIDs)
		}
		if len(filter.AnyGenres) > 0 {
			clauses := make([]string, len(filter.AnyGenres))
			args := make([]interface{}, len(filter.AnyGenres))
			for i, g := range filter.AnyGenres {
				clauses[i] = "genres LIKE ?"
				args[i] = "%|" + g + "|%"
			}
			tx = tx.Where(strings.Join(clauses, " OR "), args...)
		}
	}

	var hits []pgvectorHit
	if err := tx.Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{q}, WithoutParentheses: true}}).Limit(k).Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	out := make([]Neighbor, len(hits))
	for i, h := range hits {
		out[i] = Neighbor{ID: h.ID, Distance: h.Distance}
	}
	return sortNeighbors(out, k), nil
}

func (p *PGVectorIndex) Close() error {
	return nil
}
