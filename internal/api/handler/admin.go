package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/movierec/internal/api/middleware"
	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/service"
)

// activateTimeout bounds downloading and loading one bundle.
const activateTimeout = 2 * time.Minute

// ModelSwitcher activates stored model versions.
type ModelSwitcher interface {
	Activate(ctx context.Context, version string) (*service.ServingModel, error)
	Versions(ctx context.Context) ([]*artifact.Manifest, error)
	Version() string
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	models ModelSwitcher
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(models ModelSwitcher) *AdminHandler {
	return &AdminHandler{models: models}
}

// ModelResponse describes the served model.
type ModelResponse struct {
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Genres          int    `json:"genres,omitempty"`
	Trees           int    `json:"trees,omitempty"`
}

// ActivateModel handles POST /api/v1/admin/models/:version/activate. It moves
// the latest tag and hot-loads the bundle. Embedding tables are rebuilt by the
// publish stage, not here.
func (h *AdminHandler) ActivateModel(c *gin.Context) {
	version := c.Param("version")
	previous := h.models.Version()

	ctx, cancel := context.WithTimeout(c.Request.Context(), activateTimeout)
	defer cancel()
	m, err := h.models.Activate(ctx, version)
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.GetLogger(c).Infof("Activated model %s (was %q)", m.Bundle.Version, previous)
	c.JSON(http.StatusOK, ModelResponse{
		Version:         m.Bundle.Version,
		PreviousVersion: previous,
		Genres:          m.Bundle.Model.Genres.Len(),
		Trees:           len(m.Bundle.Reranker.Trees),
	})
}

// CurrentModel handles GET /api/v1/admin/models/current.
func (h *AdminHandler) CurrentModel(c *gin.Context) {
	version := h.models.Version()
	if version == "" {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no model version loaded", Code: "not_found"})
		return
	}
	c.JSON(http.StatusOK, ModelResponse{Version: version})
}

// StoredModel is one entry of ListModels.
type StoredModel struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Genres    int       `json:"genres"`
	Active    bool      `json:"active"`
}

// ListModels handles GET /api/v1/admin/models.
func (h *AdminHandler) ListModels(c *gin.Context) {
	manifests, err := h.models.Versions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	current := h.models.Version()
	out := make([]StoredModel, len(manifests))
	for i, m := range manifests {
		out[i] = StoredModel{
			Version:   m.Version,
			CreatedAt: m.CreatedAt,
			Genres:    len(m.Genres),
			Active:    m.Version == current,
		}
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}
