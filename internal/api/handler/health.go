package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a backing store answers.
type Pinger func(ctx context.Context) error

// HealthHandler handles health check endpoints
type HealthHandler struct {
	models ModelSwitcher
	checks map[string]Pinger
}

// NewHealthHandler creates a new health handler. checks are run by Ready.
func NewHealthHandler(models ModelSwitcher, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{models: models, checks: checks}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"model_version": h.models.Version(),
	})
}

// Ready answers 503 until a model is served and every dependency answers.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := gin.H{}
	if h.models.Version() == "" {
		status = http.StatusServiceUnavailable
		report["model"] = "no model loaded"
	} else {
		report["model"] = "ok"
	}
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	c.JSON(status, report)
}
