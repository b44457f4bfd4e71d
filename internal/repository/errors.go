package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/timmy/movierec/internal/domain"
	"gorm.io/gorm"
)

// postgres SQLSTATE codes
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

var constraintReasons = map[string]domain.IntegrityReason{
	domain.ConstraintRatingUser:     domain.ReasonUserMissing,
	domain.ConstraintRatingMovie:    domain.ReasonMovieMissing,
	domain.ConstraintExclusionUser:  domain.ReasonUserMissing,
	domain.ConstraintExclusionMovie: domain.ReasonMovieMissing,
}

// classifyWrite turns a driver error from a write touching (userID, movieID)
// into a domain error. Postgres reports the violated constraint by name;
// sqlite does not, so the parents are looked up to find which one is missing.
func classifyWrite(ctx context.Context, db *gorm.DB, op, userID, movieID string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return domain.Integrity(op, domain.ReasonDuplicate, err)
		case pgForeignKeyViolation:
			if reason, ok := constraintReasons[pgErr.ConstraintName]; ok {
				return domain.Integrity(op, reason, err)
			}
			return domain.Integrity(op, missingParent(ctx, db, userID, movieID), err)
		}
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), isSQLiteConstraint(err, "UNIQUE"):
		return domain.Integrity(op, domain.ReasonDuplicate, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated), isSQLiteConstraint(err, "FOREIGN KEY"):
		return domain.Integrity(op, missingParent(ctx, db, userID, movieID), err)
	}
	return err
}

func isSQLiteConstraint(err error, kind string) bool {
	return strings.Contains(err.Error(), kind+" constraint failed")
}

// missingParent checks which referenced row is absent.
func missingParent(ctx context.Context, db *gorm.DB, userID, movieID string) domain.IntegrityReason {
	var n int64
	if userID != "" {
		if err := db.WithContext(ctx).Model(&domain.User{}).Where("user_id = ?", userID).Count(&n).Error; err == nil && n == 0 {
			return domain.ReasonUserMissing
		}
	}
	if movieID != "" {
		n = 0
		if err := db.WithContext(ctx).Model(&domain.Movie{}).Where("movie_id = ?", movieID).Count(&n).Error; err == nil && n == 0 {
			return domain.ReasonMovieMissing
		}
	}
	return domain.ReasonGeneric
}
