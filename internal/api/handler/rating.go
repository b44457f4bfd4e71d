package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RatingWriter is the feedback side of the service layer.
type RatingWriter interface {
	RecordRating(ctx context.Context, userID, movieID string, rating float64) (bool, error)
	DeleteRating(ctx context.Context, userID, movieID string) error
	Dismiss(ctx context.Context, userID, movieID string) error
	SetGenres(ctx context.Context, userID string, genres []string) error
}

// RatingHandler handles rating, exclusion and onboarding endpoints.
type RatingHandler struct {
	ratings RatingWriter
}

// NewRatingHandler creates a new rating handler.
func NewRatingHandler(ratings RatingWriter) *RatingHandler {
	return &RatingHandler{ratings: ratings}
}

// RatingRequest is the body of POST /api/v1/users/:id/ratings.
type RatingRequest struct {
	MovieID string  `json:"movie_id" binding:"required"`
	Rating  float64 `json:"rating" binding:"required,min=1,max=5"`
}

// RatingResponse echoes the stored rating.
type RatingResponse struct {
	UserID  string  `json:"user_id"`
	MovieID string  `json:"movie_id"`
	Rating  float64 `json:"rating"`
	Created bool    `json:"created"`
}

// ExclusionRequest is the body of POST /api/v1/users/:id/exclusions.
type ExclusionRequest struct {
	MovieID string `json:"movie_id" binding:"required"`
}

// GenresRequest is the body of PUT /api/v1/users/:id/genres.
type GenresRequest struct {
	Genres []string `json:"genres" binding:"required,min=1,max=3,dive,required"`
}

// RecordRating handles POST /api/v1/users/:id/ratings. A new rating answers
// 201, an overwrite 200.
func (h *RatingHandler) RecordRating(c *gin.Context) {
	var req RatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	userID := c.Param("id")
	created, err := h.ratings.RecordRating(c.Request.Context(), userID, req.MovieID, req.Rating)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, RatingResponse{UserID: userID, MovieID: req.MovieID, Rating: req.Rating, Created: created})
}

// DeleteRating handles DELETE /api/v1/users/:id/ratings/:movie_id.
func (h *RatingHandler) DeleteRating(c *gin.Context) {
	if err := h.ratings.DeleteRating(c.Request.Context(), c.Param("id"), c.Param("movie_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Dismiss handles POST /api/v1/users/:id/exclusions.
func (h *RatingHandler) Dismiss(c *gin.Context) {
	var req ExclusionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if err := h.ratings.Dismiss(c.Request.Context(), c.Param("id"), req.MovieID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetGenres handles PUT /api/v1/users/:id/genres.
func (h *RatingHandler) SetGenres(c *gin.Context) {
	var req GenresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	userID := c.Param("id")
	if err := h.ratings.SetGenres(c.Request.Context(), userID, req.Genres); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"genres":  req.Genres,
	})
}
