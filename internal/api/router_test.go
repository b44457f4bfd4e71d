package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/api/handler"
	"github.com/timmy/movierec/internal/artifact"
	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/service"
	"github.com/timmy/movierec/internal/tower"
)

type fakeRatings struct {
	created bool
	err     error
	genres  []string
}

func (f *fakeRatings) RecordRating(context.Context, string, string, float64) (bool, error) {
	return f.created, f.err
}
func (f *fakeRatings) DeleteRating(context.Context, string, string) error { return f.err }
func (f *fakeRatings) Dismiss(context.Context, string, string) error      { return f.err }
func (f *fakeRatings) SetGenres(_ context.Context, _ string, genres []string) error {
	f.genres = genres
	return f.err
}

type fakeRecommender struct {
	resp *service.Recommendations
	err  error
}

func (f *fakeRecommender) Recommend(_ context.Context, userID string) (*service.Recommendations, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resp.UserID = userID
	return f.resp, nil
}

type fakeModels struct {
	version string
	err     error
}

func (f *fakeModels) Activate(_ context.Context, version string) (*service.ServingModel, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.version = version
	genres := tower.NewGenreBinarizer([]string{"Action", "Drama"})
	return &service.ServingModel{Bundle: &artifact.Bundle{
		Version:  version,
		Model:    tower.NewModel(tower.Dims{Title: 2, Metadata: 2, Embedding: 4}, genres, 1),
		Reranker: &rerank.Ensemble{Trees: []rerank.Tree{{Nodes: []rerank.Node{{Feature: -1}}}}},
	}}, nil
}

func (f *fakeModels) Versions(context.Context) ([]*artifact.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*artifact.Manifest{
		{Version: "v2", CreatedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Genres: []string{"Action"}},
		{Version: "v1", CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Genres: []string{"Action"}},
	}, nil
}

func (f *fakeModels) Version() string { return f.version }

func newRouter(ratings *fakeRatings, rec *fakeRecommender, models *fakeModels) http.Handler {
	return SetupRouter(Services{
		Ratings:     ratings,
		Recommender: rec,
		Models:      models,
	}, config.ServerConfig{Mode: "test"})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRatingRoutes(t *testing.T) {
	tests := []struct {
		name       string
		ratings    *fakeRatings
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"new rating", &fakeRatings{created: true}, http.MethodPost, "/api/v1/users/u1/ratings", `{"movie_id":"m1","rating":4}`, http.StatusCreated},
		{"overwrite", &fakeRatings{}, http.MethodPost, "/api/v1/users/u1/ratings", `{"movie_id":"m1","rating":4.5}`, http.StatusOK},
		{"rating too high", &fakeRatings{}, http.MethodPost, "/api/v1/users/u1/ratings", `{"movie_id":"m1","rating":6}`, http.StatusBadRequest},
		{"missing movie id", &fakeRatings{}, http.MethodPost, "/api/v1/users/u1/ratings", `{"rating":3}`, http.StatusBadRequest},
		{
			"unknown movie", &fakeRatings{err: domain.Integrity("record_rating", domain.ReasonMovieMissing, errors.New("fk"))},
			http.MethodPost, "/api/v1/users/u1/ratings", `{"movie_id":"m9","rating":3}`, http.StatusNotFound,
		},
		{
			"duplicate", &fakeRatings{err: domain.Integrity("record_rating", domain.ReasonDuplicate, errors.New("unique"))},
			http.MethodPost, "/api/v1/users/u1/ratings", `{"movie_id":"m1","rating":3}`, http.StatusConflict,
		},
		{"delete", &fakeRatings{}, http.MethodDelete, "/api/v1/users/u1/ratings/m1", "", http.StatusNoContent},
		{"delete missing", &fakeRatings{err: domain.NotFound("delete_rating", "no rating")}, http.MethodDelete, "/api/v1/users/u1/ratings/m1", "", http.StatusNotFound},
		{"dismiss", &fakeRatings{}, http.MethodPost, "/api/v1/users/u1/exclusions", `{"movie_id":"m1"}`, http.StatusNoContent},
		{"genres", &fakeRatings{}, http.MethodPut, "/api/v1/users/u1/genres", `{"genres":["Action","Drama"]}`, http.StatusOK},
		{"too many genres", &fakeRatings{}, http.MethodPut, "/api/v1/users/u1/genres", `{"genres":["A","B","C","D"]}`, http.StatusBadRequest},
		{
			"unknown genre", &fakeRatings{err: domain.Validation("set_genres", "unknown genre Western")},
			http.MethodPut, "/api/v1/users/u1/genres", `{"genres":["Western"]}`, http.StatusBadRequest,
		},
		{"store failure", &fakeRatings{err: errors.New("connection reset")}, http.MethodPost, "/api/v1/users/u1/exclusions", `{"movie_id":"m1"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(tt.ratings, &fakeRecommender{}, &fakeModels{})
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Code == http.StatusInternalServerError && strings.Contains(w.Body.String(), "connection reset") {
				t.Errorf("internal error leaked to the client: %s", w.Body.String())
			}
		})
	}
}

func TestRecommendRoute(t *testing.T) {
	rec := &fakeRecommender{resp: &service.Recommendations{
		Mode:         "coldstart",
		ModelVersion: "v1",
		Items:        []domain.Recommendation{{MovieID: "m1", Score: 0.5}},
	}}
	h := newRouter(&fakeRatings{}, rec, &fakeModels{version: "v1"})

	w := do(t, h, http.MethodGet, "/api/v1/users/u7/recommendations", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got service.Recommendations
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "u7" || got.Mode != "coldstart" || len(got.Items) != 1 {
		t.Errorf("response = %+v", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response has no request id")
	}

	rec.err = domain.NotFound("retrieve", "user u8 has not selected genres yet")
	if w := do(t, h, http.MethodGet, "/api/v1/users/u8/recommendations", ""); w.Code != http.StatusNotFound {
		t.Errorf("not onboarded user status = %d, want 404", w.Code)
	}
}

func TestActivateModel(t *testing.T) {
	models := &fakeModels{version: "v1"}
	h := newRouter(&fakeRatings{}, &fakeRecommender{}, models)

	w := do(t, h, http.MethodPost, "/api/v1/admin/models/v2/activate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Version         string `json:"version"`
		PreviousVersion string `json:"previous_version"`
		Genres          int    `json:"genres"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != "v2" || got.PreviousVersion != "v1" || got.Genres != 2 {
		t.Errorf("response = %+v", got)
	}

	models.err = domain.NotFound("artifact", "version v9 does not exist")
	if w := do(t, h, http.MethodPost, "/api/v1/admin/models/v9/activate", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing version status = %d, want 404", w.Code)
	}
	if models.Version() != "v2" {
		t.Errorf("failed activation changed the served version to %q", models.Version())
	}
}

func TestListModels(t *testing.T) {
	h := newRouter(&fakeRatings{}, &fakeRecommender{}, &fakeModels{version: "v1"})
	w := do(t, h, http.MethodGet, "/api/v1/admin/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Models []handler.StoredModel `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Models) != 2 || got.Models[0].Version != "v2" || got.Models[0].Active || !got.Models[1].Active {
		t.Errorf("models = %+v", got.Models)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		checks     map[string]handler.Pinger
		wantStatus int
	}{
		{"no model", "", nil, http.StatusServiceUnavailable},
		{"ready", "v1", map[string]handler.Pinger{"database": func(context.Context) error { return nil }}, http.StatusOK},
		{"database down", "v1", map[string]handler.Pinger{"database": func(context.Context) error { return errors.New("refused") }}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := SetupRouter(Services{
				Ratings:     &fakeRatings{},
				Recommender: &fakeRecommender{},
				Models:      &fakeModels{version: tt.version},
				Checks:      tt.checks,
			}, config.ServerConfig{Mode: "test"})
			w := do(t, h, http.MethodGet, "/ready", "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newRouter(&fakeRatings{}, &fakeRecommender{}, &fakeModels{})
	do(t, h, http.MethodGet, "/health", "")
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("movierec_http_request_duration_seconds")) {
		t.Errorf("metrics status = %d, body lacks request histogram", w.Code)
	}
}
