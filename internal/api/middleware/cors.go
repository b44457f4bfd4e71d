package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowHeaders  = "Content-Type, Content-Length, Accept, Authorization, Origin, Cache-Control, " + HeaderRequestID
	corsAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	corsExposeHeaders = "Content-Length, " + HeaderRequestID
)

// CORSConfig holds CORS configuration. An empty AllowedOrigins list with
// AllowAllOrigins unset reflects any origin back.
type CORSConfig struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
	MaxAgeSeconds   int
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// Requests from origins outside the list pass through without CORS headers.
func CORS(config CORSConfig) gin.HandlerFunc {
	maxAge := ""
	if config.MaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(config.MaxAgeSeconds)
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		h := c.Writer.Header()

		switch {
		case config.AllowAllOrigins:
			// credentials cannot be combined with a wildcard origin
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Credentials", "false")
		case len(config.AllowedOrigins) == 0 || IsOriginAllowed(origin, config):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		default:
			c.Next()
			return
		}

		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		if maxAge != "" {
			h.Set("Access-Control-Max-Age", maxAge)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// IsOriginAllowed reports whether origin matches the configuration.
// Matching is case-insensitive; "*" in the list matches everything.
func IsOriginAllowed(origin string, config CORSConfig) bool {
	if config.AllowAllOrigins {
		return true
	}
	for _, allowed := range config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
