package eval

import (
	"context"
	"fmt"
	"testing"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/train"
)

// popularityModel scores tmdb_popularity above 50 as 1 and everything else -1.
func popularityModel() *rerank.Ensemble {
	return &rerank.Ensemble{
		FormatVersion: rerank.EnsembleFormatVersion,
		Objective:     "lambdarank",
		FeatureNames:  append([]string(nil), rerank.FeatureNames...),
		LabelGain:     rerank.DefaultLabelGain,
		Trees: []rerank.Tree{{Nodes: []rerank.Node{
			{Feature: 5, Threshold: 50, Left: 1, Right: 2},
			{Feature: -1, Value: -1},
			{Feature: -1, Value: 1},
		}}},
	}
}

func rerankFixture() *RerankInputs {
	movies := make(map[string]*domain.Movie)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("m%d", i)
		m := &domain.Movie{MovieID: id, Title: id, ReleaseYear: 2000, Genres: domain.StringArray{"Drama"}}
		if i < 2 {
			m.TMDBPopularity = 100
		}
		movies[id] = m
	}
	ds := train.BuildDataset([]train.RatingRecord{
		{UserID: "u1", MovieID: "m0", Rating: 5},
		{UserID: "u1", MovieID: "m1", Rating: 4.5},
		{UserID: "u1", MovieID: "m2", Rating: 2},
	}, 0.2, 42)
	return &RerankInputs{
		Dataset:  ds,
		Movies:   movies,
		Stats:    TrainingMovieStats(ds, movies),
		Profiles: TrainingProfiles(ds, movies),
	}
}

func TestRerankerHitRate(t *testing.T) {
	in := rerankFixture()
	r := rerank.NewReranker(popularityModel(), config.RerankConfig{TopN: 10, CurrentYear: 2024})

	tests := []struct {
		name      string
		negatives int
		wantTotal int
		wantHits  int
	}{
		{"held-out positive ranked first", 3, 1, 1},
		{"user skipped without enough negatives", 4, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := RerankerHitRate(context.Background(), r, in, 1, tt.negatives, 7)
			if res.Total != tt.wantTotal || res.Hits != tt.wantHits {
				t.Errorf("result = %d/%d, want %d/%d", res.Hits, res.Total, tt.wantHits, tt.wantTotal)
			}
		})
	}
}

func TestRerankGroupsExcludeHeldOut(t *testing.T) {
	in := rerankFixture()
	groups := RerankGroups(in, 2024)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	u, _ := in.Dataset.User("u1")
	if got, want := len(groups[0].Labels), len(u.Ratings)-len(u.Test); got != want {
		t.Errorf("group has %d rows, want %d", got, want)
	}
	for _, l := range groups[0].Labels {
		if l < domain.MinRating || l > domain.MaxRating {
			t.Errorf("label %d outside rating scale", l)
		}
	}
}

func TestTrainingProfiles(t *testing.T) {
	in := rerankFixture()
	p := in.Profiles["u1"]
	u, _ := in.Dataset.User("u1")
	if len(u.Test) != 1 {
		t.Fatalf("held out %d positives, want 1", len(u.Test))
	}
	// one of m0 (5) / m1 (5 after ceil) is held out; m2 (2) stays
	if p.AvgRating != 3.5 {
		t.Errorf("AvgRating = %v, want 3.5", p.AvgRating)
	}
	if len(p.TopGenres) != 1 || p.TopGenres[0] != "Drama" {
		t.Errorf("TopGenres = %v, want [Drama]", p.TopGenres)
	}
}
