package domain

import "sort"

// Favorite list sizes stored in user rating stats.
const (
	TopGenresCount    = 3
	TopActorsCount    = 50
	TopDirectorsCount = 10
)

// Favorites are the most frequent attributes across a user's positively rated movies.
type Favorites struct {
	Genres    []string
	Actors    []string
	Directors []string
}

// ComputeFavorites counts genres, actors and directors across movies.
func ComputeFavorites(movies []*Movie) Favorites {
	var genres, actors, directors [][]string
	for _, m := range movies {
		genres = append(genres, m.Genres)
		actors = append(actors, m.Actors)
		directors = append(directors, m.Directors)
	}
	return Favorites{
		Genres:    TopByFrequency(genres, TopGenresCount),
		Actors:    TopByFrequency(actors, TopActorsCount),
		Directors: TopByFrequency(directors, TopDirectorsCount),
	}
}

// TopByFrequency returns the n values occurring in the most lists, ties broken
// by name. A value counts once per list.
func TopByFrequency(lists [][]string, n int) []string {
	counts := make(map[string]int)
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			counts[v]++
		}
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if counts[values[i]] != counts[values[j]] {
			return counts[values[i]] > counts[values[j]]
		}
		return values[i] < values[j]
	})
	if len(values) > n {
		values = values[:n]
	}
	return values
}
