package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name       string
		config     CORSConfig
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"wildcard", CORSConfig{AllowAllOrigins: true}, http.MethodGet, "https://a.example", "*", http.StatusOK},
		{"listed", CORSConfig{AllowedOrigins: []string{"https://A.example"}}, http.MethodGet, "https://a.example", "https://a.example", http.StatusOK},
		{"not listed", CORSConfig{AllowedOrigins: []string{"https://a.example"}}, http.MethodGet, "https://b.example", "", http.StatusOK},
		{"empty list reflects", CORSConfig{}, http.MethodGet, "https://b.example", "https://b.example", http.StatusOK},
		{"preflight", CORSConfig{AllowAllOrigins: true, MaxAgeSeconds: 600}, http.MethodOptions, "https://a.example", "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.config))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.config.MaxAgeSeconds > 0 && w.Header().Get("Access-Control-Max-Age") != "600" {
				t.Error("preflight has no max age")
			}
		})
	}
}
