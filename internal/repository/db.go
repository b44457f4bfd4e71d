package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// movieEmbeddingTables are the production tables that get a staging shadow.
var movieEmbeddingTables = []string{
	domain.TableMovieEmbeddingColdStart,
	domain.TableMovieEmbeddingPersonalized,
}

var userEmbeddingTables = []string{
	domain.TableUserEmbedding,
	domain.TableUserGenreEmbedding,
}

// InitDB opens the configured database, sizes its pool and, when enabled,
// migrates the schema.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	open, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := open(cfg, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.With(logger.Fields{"driver": cfg.Driver, "auto_migrate": cfg.AutoMigrate}).
		Info(context.Background(), "[DB] Connected")
	if !cfg.AutoMigrate {
		return db, nil
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

type opener func(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error)

var openers = map[string]opener{
	"postgres": openPostgres,
	"sqlite":   openSQLite,
}

// Migrate creates or updates every table the recommender uses, including the
// embedding tables and their staging shadows.
// Parameters:
//   - db: GORM database handle.
// Returns:
//   - error: non-nil if any migration fails.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Movie{},
		&domain.Rating{},
		&domain.Exclusion{},
		&domain.UserRatingStats{},
		&domain.MovieRatingStats{},
		&domain.PipelineRun{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	for _, table := range movieEmbeddingTables {
		for _, name := range []string{table, domain.StagingTable(table)} {
			if err := db.Table(name).AutoMigrate(&domain.MovieEmbedding{}); err != nil {
				return fmt.Errorf("failed to migrate %s: %w", name, err)
			}
		}
	}
	for _, table := range userEmbeddingTables {
		if err := db.Table(table).AutoMigrate(&domain.UserEmbedding{}); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", table, err)
		}
	}
	return nil
}

func openPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// simple protocol keeps transaction poolers working
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: cfg.DSN(), PreferSimpleProtocol: true}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func openSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

// isPostgres reports whether db talks to PostgreSQL.
func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
