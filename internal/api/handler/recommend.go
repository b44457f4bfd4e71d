package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/movierec/internal/service"
)

// Recommender serves ranked movies for a user.
type Recommender interface {
	Recommend(ctx context.Context, userID string) (*service.Recommendations, error)
}

// RecommendHandler handles recommendation endpoints.
type RecommendHandler struct {
	recommender Recommender
}

// NewRecommendHandler creates a new recommendation handler.
func NewRecommendHandler(recommender Recommender) *RecommendHandler {
	return &RecommendHandler{recommender: recommender}
}

// Recommend handles GET /api/v1/users/:id/recommendations.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *RecommendHandler) Recommend(c *gin.Context) {
	resp, err := h.recommender.Recommend(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
