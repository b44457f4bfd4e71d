package domain

import "sort"

// SentinelDistance marks exploration picks so they sort after every real ANN hit.
const SentinelDistance = 999.0

// Candidate is one retrieved movie with the signal the retrieval path produced.
// Distance is set on the cold-start path, Frequency on the personalized path.
type Candidate struct {
	MovieID   string  `json:"movie_id"`
	Distance  float64 `json:"distance,omitempty"`
	Frequency int     `json:"frequency,omitempty"`
	Random    bool    `json:"random,omitempty"`
}

// Recommendation is one entry of the response returned to the API layer.
type Recommendation struct {
	MovieID     string   `json:"movie_id"`
	Title       string   `json:"title"`
	ReleaseYear int      `json:"release_year"`
	Genres      []string `json:"genres"`
	PosterPath  string   `json:"poster_path,omitempty"`
	Score       float64  `json:"score"`
}

// RankByFrequency returns at most n ids by descending count, ties by id.
func RankByFrequency(counts map[string]int, n int) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
