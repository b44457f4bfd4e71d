package service

import (
	"context"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/repository"
)

// MaxOnboardingGenres is how many genres a user picks at onboarding.
const MaxOnboardingGenres = 3

// RatingService records user feedback. Every write marks the user's cached
// stats stale; the next recommendation request recomputes them.
type RatingService struct {
	ratings    *repository.RatingRepository
	embeddings *repository.EmbeddingRepository
	models     *ModelService
}

// NewRatingService creates a RatingService.
func NewRatingService(ratings *repository.RatingRepository, embeddings *repository.EmbeddingRepository, models *ModelService) *RatingService {
	return &RatingService{ratings: ratings, embeddings: embeddings, models: models}
}

// RecordRating stores or overwrites a rating.
// Parameters:
//   - ctx: request context.
//   - userID: rating user.
//   - movieID: rated movie.
//   - rating: value on the 1-5 scale.
// Returns:
//   - bool: true for a new rating, false for an overwrite.
//   - error: Validation for a bad value, Integrity when the user or movie is unknown.
func (s *RatingService) RecordRating(ctx context.Context, userID, movieID string, rating float64) (bool, error) {
	isNew, err := s.ratings.RecordRating(ctx, userID, movieID, rating)
	if err != nil {
		return false, err
	}
	op := "update"
	if isNew {
		op = "insert"
	}
	metrics.RecordRatingMutation(op)
	logger.With(logger.Fields{logger.FieldUserID: userID, logger.FieldMovieID: movieID, "is_new": isNew}).
		Debug(ctx, "Recorded rating %.1f", rating)
	return isNew, nil
}

// DeleteRating removes a rating.
func (s *RatingService) DeleteRating(ctx context.Context, userID, movieID string) error {
	if err := s.ratings.DeleteRating(ctx, userID, movieID); err != nil {
		return err
	}
	metrics.RecordRatingMutation("delete")
	return nil
}

// Dismiss excludes a movie from the user's future recommendations.
func (s *RatingService) Dismiss(ctx context.Context, userID, movieID string) error {
	if err := s.ratings.AddExclusion(ctx, userID, movieID); err != nil {
		return err
	}
	metrics.RecordRatingMutation("exclude")
	return nil
}

// SetGenres completes onboarding: it stores the selection and the cold-start
// user embedding computed from it. Unknown users are created.
// Parameters:
//   - ctx: request context.
//   - userID: onboarding user.
//   - genres: one to three genres from the served vocabulary.
// Returns:
//   - error: Validation for an empty, oversized or unknown selection.
func (s *RatingService) SetGenres(ctx context.Context, userID string, genres []string) error {
	genres = dedupeStrings(genres)
	if len(genres) == 0 || len(genres) > MaxOnboardingGenres {
		return domain.Validation("set_genres", "select between 1 and %d genres, got %d", MaxOnboardingGenres, len(genres))
	}
	model, err := s.models.Current()
	if err != nil {
		return err
	}
	v, err := model.Bundle.Model.EmbedGenres(genres)
	if err != nil {
		return err
	}

	if err := s.ratings.EnsureUser(ctx, &domain.User{UserID: userID}); err != nil {
		return err
	}
	if err := s.ratings.SetGenres(ctx, userID, genres); err != nil {
		return err
	}
	if err := s.embeddings.UpsertUserEmbedding(ctx, domain.TableUserGenreEmbedding, userID, v); err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldUserID: userID, "genres": genres}).Info(ctx, "Stored onboarding genres")
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
