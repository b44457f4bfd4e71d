package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EmbeddingRepository stores movie and user embeddings. Movie tables are
// published through a staging shadow and swapped in one transaction so
// readers never see a partially written table.
type EmbeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository creates a new EmbeddingRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *EmbeddingRepository: repository instance bound to db.
func NewEmbeddingRepository(db *gorm.DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

func checkMovieTable(production string) error {
	for _, t := range movieEmbeddingTables {
		if t == production {
			return nil
		}
	}
	return domain.Validation("embedding_table", "unknown movie embedding table %q", production)
}

// WriteStaging replaces the staging shadow of production with rows.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - production: production table whose shadow is written.
//   - rows: complete embedding set for the catalog.
// Returns:
//   - error: non-nil if the table is unknown or the write fails.
func (r *EmbeddingRepository) WriteStaging(ctx context.Context, production string, rows []domain.MovieEmbedding) error {
	if err := checkMovieTable(production); err != nil {
		return err
	}
	staging := domain.StagingTable(production)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("DELETE FROM %s", staging)).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", staging, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Table(staging).CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("failed to write %s: %w", staging, err)
		}
		return nil
	})
}

// SwapStaging exchanges production and its staging shadow. The previous
// production rows end up in staging and are cleared by the next write.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - production: production table to replace.
//   - expected: row count staging must hold; the swap is refused otherwise.
// Returns:
//   - error: Validation on a count mismatch, or the rename failure.
func (r *EmbeddingRepository) SwapStaging(ctx context.Context, production string, expected int64) error {
	return r.CommitStaging(ctx, []string{production}, expected, "", nil)
}

// CommitStaging swaps every listed production table with its staging shadow
// and upserts users into userTable, all in one transaction. Either every
// table is swapped and every user written, or nothing changes.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - productions: movie embedding tables to replace.
//   - expected: row count each staging table must hold.
//   - userTable: user embedding table for users; ignored when users is empty.
//   - users: user embeddings computed against the staged model.
// Returns:
//   - error: Validation on an unknown table or count mismatch, or the write failure.
func (r *EmbeddingRepository) CommitStaging(ctx context.Context, productions []string, expected int64, userTable string, users []domain.UserEmbedding) error {
	for _, production := range productions {
		if err := checkMovieTable(production); err != nil {
			return err
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, production := range productions {
			if err := swapTx(tx, production, expected); err != nil {
				return err
			}
		}
		if len(users) == 0 {
			return nil
		}
		err := tx.Table(userTable).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "updated_at"}),
		}).CreateInBatches(users, 500).Error
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", userTable, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, production := range productions {
		logger.With(logger.Fields{"table": production}).WithCount(int(expected)).
			Info(ctx, "Swapped %s into production", domain.StagingTable(production))
	}
	return nil
}

func swapTx(tx *gorm.DB, production string, expected int64) error {
	staging := domain.StagingTable(production)
	previous := production + "_previous"

	var n int64
	if err := tx.Table(staging).Count(&n).Error; err != nil {
		return err
	}
	if n != expected {
		return domain.Validation("swap_staging", "%s holds %d rows, expected %d", staging, n, expected)
	}

	m := tx.Migrator()
	if err := m.RenameTable(production, previous); err != nil {
		return err
	}
	if err := m.RenameTable(staging, production); err != nil {
		return err
	}
	return m.RenameTable(previous, staging)
}

// MovieEmbeddings loads the embeddings of the listed movies from table.
// Movies without a row are absent from the map.
func (r *EmbeddingRepository) MovieEmbeddings(ctx context.Context, table string, movieIDs []string) (map[string]domain.Vector, error) {
	out := make(map[string]domain.Vector, len(movieIDs))
	if len(movieIDs) == 0 {
		return out, nil
	}
	var rows []domain.MovieEmbedding
	if err := r.db.WithContext(ctx).Table(table).Where("movie_id IN ?", movieIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.MovieID] = row.Embedding
	}
	return out, nil
}

// AllMovieEmbeddings loads every row of table ordered by id.
func (r *EmbeddingRepository) AllMovieEmbeddings(ctx context.Context, table string) ([]domain.MovieEmbedding, error) {
	var rows []domain.MovieEmbedding
	err := r.db.WithContext(ctx).Table(table).Order("movie_id ASC").Find(&rows).Error
	return rows, err
}

// AllUserEmbeddings loads every row of table ordered by id.
func (r *EmbeddingRepository) AllUserEmbeddings(ctx context.Context, table string) ([]domain.UserEmbedding, error) {
	var rows []domain.UserEmbedding
	err := r.db.WithContext(ctx).Table(table).Order("user_id ASC").Find(&rows).Error
	return rows, err
}

// UserEmbedding loads one user embedding from table.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - table: user_embeddings or user_genre_embeddings.
//   - userID: user to load.
// Returns:
//   - domain.Vector: stored embedding.
//   - error: NotFound if the user has no row.
func (r *EmbeddingRepository) UserEmbedding(ctx context.Context, table, userID string) (domain.Vector, error) {
	var row domain.UserEmbedding
	err := r.db.WithContext(ctx).Table(table).First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("user_embedding", "no %s row for user %s", table, userID)
	}
	if err != nil {
		return nil, err
	}
	return row.Embedding, nil
}

// UpsertUserEmbedding writes one user embedding into table.
func (r *EmbeddingRepository) UpsertUserEmbedding(ctx context.Context, table, userID string, v domain.Vector) error {
	row := &domain.UserEmbedding{UserID: userID, Embedding: v, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Table(table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding", "updated_at"}),
	}).Create(row).Error
}

// CountRows returns the number of rows in table.
func (r *EmbeddingRepository) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(table).Count(&n).Error
	return n, err
}
