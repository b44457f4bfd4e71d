package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/movierec/internal/api/middleware"
	"github.com/timmy/movierec/internal/domain"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps a domain error to its HTTP status and a stable code.
func statusOf(err error) (int, string) {
	if reason, ok := domain.IntegrityReasonOf(err); ok {
		switch reason {
		case domain.ReasonUserMissing:
			return http.StatusNotFound, "user_not_found"
		case domain.ReasonMovieMissing:
			return http.StatusNotFound, "movie_not_found"
		case domain.ReasonDuplicate:
			return http.StatusConflict, "duplicate"
		}
		return http.StatusConflict, "integrity"
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

// respondError writes err with its mapped status. Internal errors are logged
// and their message is not echoed.
func respondError(c *gin.Context, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		middleware.GetLogger(c).WithError(err).Error("Request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// respondBindError answers a request body or parameter that failed validation.
func respondBindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error(), Code: "invalid"})
}
