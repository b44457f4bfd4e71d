package eval

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/rerank"
	"github.com/timmy/movierec/internal/train"
)

// RerankInputs is the feature context shared by reranker training and evaluation.
type RerankInputs struct {
	Dataset  *train.Dataset
	Movies   map[string]*domain.Movie
	Stats    map[string]*domain.MovieRatingStats
	Profiles map[string]rerank.UserProfile
	// UserVectors and MovieVectors give collab_similarity as their dot product.
	UserVectors  map[string]domain.Vector
	MovieVectors map[string]domain.Vector
}

// Candidate assembles the rerank candidate for (userID, movieID). Movie is nil
// when the catalog has no metadata for movieID.
func (in *RerankInputs) Candidate(userID, movieID string) rerank.Candidate {
	c := rerank.Candidate{Movie: in.Movies[movieID], Stats: in.Stats[movieID]}
	u, uok := in.UserVectors[userID]
	m, mok := in.MovieVectors[movieID]
	if uok && mok {
		c.Similarity = u.Dot(m)
	}
	return c
}

// RerankerHitRate checks, for every held-out positive, whether the reranker
// places it in the top k of itself plus negatives unrated movies. Users with
// fewer than negatives unrated movies are skipped.
func RerankerHitRate(ctx context.Context, r *rerank.Reranker, in *RerankInputs, k, negatives int, seed int64) Result {
	start := time.Now()
	res := Result{Name: "Reranker", K: k}
	rng := rand.New(rand.NewSource(seed))

	catalog := make([]string, 0, len(in.Movies))
	for id := range in.Movies {
		catalog = append(catalog, id)
	}
	sort.Strings(catalog)

	for _, u := range in.Dataset.Users {
		if len(u.Test) == 0 {
			continue
		}
		unrated := make([]string, 0, len(catalog))
		for _, id := range catalog {
			if _, rated := u.Ratings[id]; !rated {
				unrated = append(unrated, id)
			}
		}
		if len(unrated) < negatives {
			continue
		}
		profile := in.Profiles[u.UserID]
		for _, heldOut := range u.Test {
			candidates := make([]rerank.Candidate, 0, negatives+1)
			candidates = append(candidates, in.Candidate(u.UserID, heldOut))
			for _, i := range rng.Perm(len(unrated))[:negatives] {
				candidates = append(candidates, in.Candidate(u.UserID, unrated[i]))
			}

			top := r.Rerank(ctx, profile, candidates)
			if len(top) > k {
				top = top[:k]
			}
			for _, rec := range top {
				if rec.MovieID == heldOut {
					res.Hits++
					break
				}
			}
			res.Total++
		}
	}
	res.log(ctx, start)
	return res
}

// RerankGroups builds one training query per user from their training-split
// ratings, labelled with the integer rating. Users with fewer than two rated
// movies carry no ranking signal and are left out.
func RerankGroups(in *RerankInputs, currentYear int) []rerank.Group {
	var groups []rerank.Group
	for _, u := range in.Dataset.Users {
		ratings := trainRatings(u)
		ids := make([]string, 0, len(ratings))
		for id := range ratings {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		g := rerank.Group{QueryID: u.UserID}
		profile := in.Profiles[u.UserID]
		for _, id := range ids {
			c := in.Candidate(u.UserID, id)
			if c.Movie == nil {
				continue
			}
			g.Features = append(g.Features, rerank.Extract(profile, c, currentYear))
			g.Labels = append(g.Labels, ratings[id])
		}
		if len(g.Labels) >= 2 {
			groups = append(groups, g)
		}
	}
	return groups
}

// trainRatings yields every rating of u outside its held-out positives.
func trainRatings(u *train.UserSplit) map[string]int {
	test := make(map[string]struct{}, len(u.Test))
	for _, m := range u.Test {
		test[m] = struct{}{}
	}
	out := make(map[string]int, len(u.Ratings))
	for id, r := range u.Ratings {
		if _, held := test[id]; !held {
			out[id] = r
		}
	}
	return out
}

// TrainingProfiles derives user profiles from the training split the same
// way the serving path derives them from rating stats.
func TrainingProfiles(ds *train.Dataset, movies map[string]*domain.Movie) map[string]rerank.UserProfile {
	out := make(map[string]rerank.UserProfile, len(ds.Users))
	for _, u := range ds.Users {
		ratings := trainRatings(u)
		var sum float64
		for _, r := range ratings {
			sum += float64(r)
		}
		var positives []*domain.Movie
		for _, id := range u.Train {
			if m, ok := movies[id]; ok {
				positives = append(positives, m)
			}
		}
		fav := domain.ComputeFavorites(positives)
		p := rerank.UserProfile{
			UserID:         u.UserID,
			RatingCountLog: math.Log1p(float64(len(ratings))),
			TopGenres:      fav.Genres,
			TopActors:      fav.Actors,
			TopDirectors:   fav.Directors,
		}
		if len(ratings) > 0 {
			p.AvgRating = sum / float64(len(ratings))
		}
		out[u.UserID] = p
	}
	return out
}

// TrainingMovieStats aggregates training-split ratings per movie and copies the
// TMDB signals from metadata. Movies nobody rated still get TMDB columns.
func TrainingMovieStats(ds *train.Dataset, movies map[string]*domain.Movie) map[string]*domain.MovieRatingStats {
	sums := make(map[string]float64)
	counts := make(map[string]int64)
	for _, u := range ds.Users {
		for id, r := range trainRatings(u) {
			sums[id] += float64(r)
			counts[id]++
		}
	}
	out := make(map[string]*domain.MovieRatingStats, len(movies))
	for id, m := range movies {
		s := &domain.MovieRatingStats{
			MovieID:        id,
			RatingCount:    counts[id],
			RatingCountLog: math.Log1p(float64(counts[id])),
			TMDBAvgRating:  m.TMDBVoteAverage,
			TMDBVoteLog:    math.Log1p(float64(m.TMDBVoteCount)),
			TMDBPopularity: m.TMDBPopularity,
		}
		if counts[id] > 0 {
			s.AvgRating = sums[id] / float64(counts[id])
		}
		out[id] = s
	}
	return out
}
