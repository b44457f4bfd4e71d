package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestMetadataSentence(t *testing.T) {
	cast := make([]string, 20)
	for i := range cast {
		cast[i] = fmt.Sprintf("Actor %d", i+1)
	}

	tests := []struct {
		name    string
		movie   Movie
		want    string
		wantErr bool
	}{
		{
			name:  "full",
			movie: Movie{MovieID: "1", Overview: "A heist goes wrong.", Directors: StringArray{"Jane Doe"}, Actors: StringArray{"A", "B"}},
			want:  "A heist goes wrong. Directed by Jane Doe. Starring A, B",
		},
		{
			name:  "cast truncated",
			movie: Movie{MovieID: "2", Overview: "Space", Directors: StringArray{"X", "Y"}, Actors: StringArray(cast)},
			want:  "Space. Directed by X, Y. Starring " + strings.Join(cast[:MaxCastInSentence], ", "),
		},
		{name: "no overview", movie: Movie{MovieID: "3", Overview: "  ", Directors: StringArray{"X"}, Actors: StringArray{"A"}}, wantErr: true},
		{name: "no director", movie: Movie{MovieID: "4", Overview: "o", Actors: StringArray{"A"}}, wantErr: true},
		{name: "no cast", movie: Movie{MovieID: "5", Overview: "o", Directors: StringArray{"X"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.movie.MetadataSentence()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("MetadataSentence() error = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("MetadataSentence() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MetadataSentence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVectorBinaryRoundTrip(t *testing.T) {
	v := Vector{0.6, -0.8, 0}
	raw, err := v.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var got Vector
	if err := got.Scan(raw); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("len = %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("component %d = %v, want %v", i, got[i], v[i])
		}
	}

	if err := got.Scan(raw.([]byte)[:7]); err == nil {
		t.Error("Scan() accepted a truncated blob")
	}
}

func TestMeanNormalized(t *testing.T) {
	got := MeanNormalized([]Vector{{1, 0}, {0, 1}})
	if !got.IsUnit() {
		t.Fatalf("norm = %v, want 1", got.Norm())
	}
	if got[0] != got[1] {
		t.Errorf("components differ: %v", got)
	}
	if MeanNormalized(nil) != nil {
		t.Error("MeanNormalized(nil) should be nil")
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("fk violation")
	err := fmt.Errorf("failed to record rating: %w", Integrity("record_rating", ReasonMovieMissing, cause))

	if !errors.Is(err, ErrIntegrity) {
		t.Error("errors.Is(err, ErrIntegrity) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause is not reachable through Unwrap")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("integrity error matched ErrNotFound")
	}
	reason, ok := IntegrityReasonOf(err)
	if !ok || reason != ReasonMovieMissing {
		t.Errorf("IntegrityReasonOf() = %q, %v", reason, ok)
	}
	if _, ok := IntegrityReasonOf(NotFound("op", "x")); ok {
		t.Error("IntegrityReasonOf matched a NotFound error")
	}
}

func TestTopByFrequency(t *testing.T) {
	lists := [][]string{
		{"Drama", "Comedy"},
		{"Drama", "Action", "Drama"},
		{"Comedy", "Horror"},
		{"Action"},
	}
	got := TopByFrequency(lists, 3)
	want := []string{"Action", "Comedy", "Drama"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("TopByFrequency() = %v, want %v", got, want)
	}
	if got := TopByFrequency(lists, 10); len(got) != 4 {
		t.Errorf("TopByFrequency(10) returned %d values, want 4", len(got))
	}
}

func TestRankByFrequency(t *testing.T) {
	counts := map[string]int{"a": 1, "b": 3, "c": 3, "d": 2}
	tests := []struct {
		n    int
		want []string
	}{
		{2, []string{"b", "c"}},
		{10, []string{"b", "c", "d", "a"}},
		{0, []string{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			got := RankByFrequency(counts, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("RankByFrequency = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("RankByFrequency = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
