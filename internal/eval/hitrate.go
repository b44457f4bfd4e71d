package eval

import (
	"context"
	"sort"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/tower"
	"github.com/timmy/movierec/internal/train"
)

// Result is one HitRate@K measurement.
type Result struct {
	Name  string
	K     int
	Hits  int
	Total int
}

// HitRate returns Hits/Total, 0 when nothing was evaluated.
func (r Result) HitRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Hits) / float64(r.Total)
}

func (r Result) log(ctx context.Context, start time.Time) {
	logger.With(logger.Fields{"k": r.K, "hits": r.Hits, "hit_rate": r.HitRate()}).
		WithCount(r.Total).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "%s HitRate@%d: %.4f (%d/%d)", r.Name, r.K, r.HitRate(), r.Hits, r.Total)
}

// EmbedCatalog runs the movie tower over every featurized movie.
func EmbedCatalog(model *tower.Model, features map[string]*tower.MovieFeatures) map[string]domain.Vector {
	out := make(map[string]domain.Vector, len(features))
	for id, f := range features {
		out[id] = model.Movie.Embed(f)
	}
	return out
}

type scored struct {
	id    string
	score float64
}

// topK ranks ids by dot product with query, highest first, ties by id.
func topK(query domain.Vector, ids []string, embeddings map[string]domain.Vector, k int) []string {
	ranked := make([]scored, 0, len(ids))
	for _, id := range ids {
		if v, ok := embeddings[id]; ok {
			ranked = append(ranked, scored{id: id, score: query.Dot(v)})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.id
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// leaveOneOutPool is every catalog movie except the user's positives, plus heldOut.
func leaveOneOutPool(catalog []string, u *train.UserSplit, heldOut string) []string {
	positives := make(map[string]struct{})
	for _, m := range u.Positives() {
		positives[m] = struct{}{}
	}
	pool := make([]string, 0, len(catalog))
	for _, id := range catalog {
		if _, pos := positives[id]; pos && id != heldOut {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

func sortedIDs(embeddings map[string]domain.Vector) []string {
	ids := make([]string, 0, len(embeddings))
	for id := range embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ColdStartHitRate ranks every held-out positive against the rest of the
// catalog using the cold-start user embedding of the user's top genres.
func ColdStartHitRate(ctx context.Context, model *tower.Model, movies map[string]domain.Vector, ds *train.Dataset, userGenres map[string][]string, k int) Result {
	start := time.Now()
	res := Result{Name: "Cold start", K: k}
	catalog := sortedIDs(movies)

	for _, u := range ds.Users {
		if len(u.Test) == 0 {
			continue
		}
		query, err := model.EmbedGenres(userGenres[u.UserID])
		if err != nil {
			continue
		}
		for _, heldOut := range u.Test {
			top := topK(query, leaveOneOutPool(catalog, u, heldOut), movies, k)
			if contains(top, heldOut) {
				res.Hits++
			}
			res.Total++
		}
	}
	res.log(ctx, start)
	return res
}

// UserEmbeddings averages each user's training positives and renormalizes.
func UserEmbeddings(movies map[string]domain.Vector, ds *train.Dataset) map[string]domain.Vector {
	out := make(map[string]domain.Vector, len(ds.Users))
	for _, u := range ds.Users {
		var vs []domain.Vector
		for _, m := range u.Train {
			if v, ok := movies[m]; ok {
				vs = append(vs, v)
			}
		}
		if len(vs) > 0 {
			out[u.UserID] = domain.MeanNormalized(vs)
		}
	}
	return out
}

// CollaborativeHitRate evaluates user-user retrieval: find the most similar
// users, pool their positives by frequency, rank the pool by similarity to
// the user and check whether the held-out positive lands in the top k.
func CollaborativeHitRate(ctx context.Context, movies map[string]domain.Vector, ds *train.Dataset, k, similarUsers, poolSize int) Result {
	start := time.Now()
	res := Result{Name: "Collaborative", K: k}
	users := UserEmbeddings(movies, ds)

	for _, u := range ds.Users {
		query, ok := users[u.UserID]
		if !ok || len(u.Test) == 0 {
			continue
		}

		neighbors := make([]scored, 0, len(users))
		for id, v := range users {
			if id != u.UserID {
				neighbors = append(neighbors, scored{id: id, score: query.Dot(v)})
			}
		}
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].score != neighbors[j].score {
				return neighbors[i].score > neighbors[j].score
			}
			return neighbors[i].id < neighbors[j].id
		})
		if len(neighbors) > similarUsers {
			neighbors = neighbors[:similarUsers]
		}

		rated := make(map[string]struct{}, len(u.Train))
		for _, m := range u.Train {
			rated[m] = struct{}{}
		}
		counts := make(map[string]int)
		for _, n := range neighbors {
			other, _ := ds.User(n.id)
			for _, m := range other.Positives() {
				if _, seen := rated[m]; !seen {
					counts[m]++
				}
			}
		}
		if len(counts) == 0 {
			continue
		}
		pool := domain.RankByFrequency(counts, poolSize)

		top := topK(query, pool, movies, k)
		for _, heldOut := range u.Test {
			if contains(top, heldOut) {
				res.Hits++
			}
			res.Total++
		}
	}
	res.log(ctx, start)
	return res
}
