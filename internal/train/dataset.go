package train

import (
	"math"
	"math/rand"
	"sort"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/sampling"
)

// RatingRecord is one raw rating event as loaded for training.
type RatingRecord struct {
	UserID  string
	MovieID string
	Rating  float64
}

// NormalizeRating maps a raw (possibly half-star) rating onto the integer 1..5 scale.
func NormalizeRating(r float64) int {
	v := int(math.Ceil(r))
	if v < domain.MinRating {
		return domain.MinRating
	}
	if v > domain.MaxRating {
		return domain.MaxRating
	}
	return v
}

// UserSplit is one user's partition of positives into train and test, plus the
// low-rated movies that feed hard negatives.
type UserSplit struct {
	UserID    string
	Train     []string
	Test      []string
	Negatives []string
	Ratings   map[string]int
}

// Positives returns every positive movie, train and test.
func (u *UserSplit) Positives() []string {
	out := make([]string, 0, len(u.Train)+len(u.Test))
	out = append(out, u.Train...)
	return append(out, u.Test...)
}

// Dataset groups ratings per user and holds the train/test split.
type Dataset struct {
	Users []*UserSplit
	index map[string]int
}

// BuildDataset groups ratings per user in input order, partitions them at the
// positive threshold and holds out testFraction of each user's positives
// (at least one) for users with two or more. Users are visited in id order with
// one rng seeded once, so the split is reproducible.
func BuildDataset(ratings []RatingRecord, testFraction float64, seed int64) *Dataset {
	byUser := make(map[string]*UserSplit)
	order := make(map[string][]string)
	for _, r := range ratings {
		u, ok := byUser[r.UserID]
		if !ok {
			u = &UserSplit{UserID: r.UserID, Ratings: make(map[string]int)}
			byUser[r.UserID] = u
		}
		if _, dup := u.Ratings[r.MovieID]; dup {
			// later events win
			u.Ratings[r.MovieID] = NormalizeRating(r.Rating)
			continue
		}
		u.Ratings[r.MovieID] = NormalizeRating(r.Rating)
		order[r.UserID] = append(order[r.UserID], r.MovieID)
	}

	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rng := rand.New(rand.NewSource(seed))
	ds := &Dataset{index: make(map[string]int, len(ids))}
	for _, id := range ids {
		u := byUser[id]
		var pos []string
		for _, movieID := range order[id] {
			if u.Ratings[movieID] >= domain.PositiveRatingThreshold {
				pos = append(pos, movieID)
			} else {
				u.Negatives = append(u.Negatives, movieID)
			}
		}
		if len(pos) == 0 {
			continue
		}
		if len(pos) < 2 {
			u.Train = pos
		} else {
			nTest := int(float64(len(pos)) * testFraction)
			if nTest < 1 {
				nTest = 1
			}
			perm := rng.Perm(len(pos))
			for i, p := range perm {
				if i < nTest {
					u.Test = append(u.Test, pos[p])
				} else {
					u.Train = append(u.Train, pos[p])
				}
			}
		}
		ds.index[id] = len(ds.Users)
		ds.Users = append(ds.Users, u)
	}
	return ds
}

// User returns the split for userID.
func (d *Dataset) User(userID string) (*UserSplit, bool) {
	i, ok := d.index[userID]
	if !ok {
		return nil, false
	}
	return d.Users[i], true
}

// Example is one (user, positive) training pair.
type Example struct {
	User     *UserSplit
	Positive string
}

// Examples lists one example per training positive.
func (d *Dataset) Examples() []Example {
	var out []Example
	for _, u := range d.Users {
		for _, m := range u.Train {
			out = append(out, Example{User: u, Positive: m})
		}
	}
	return out
}

// Histories converts the dataset into sampler input. Test positives count as
// positives so they are never drawn as negatives.
func (d *Dataset) Histories(topGenres map[string][]string) []sampling.UserHistory {
	out := make([]sampling.UserHistory, 0, len(d.Users))
	for _, u := range d.Users {
		out = append(out, sampling.UserHistory{
			UserID:    u.UserID,
			Positives: u.Positives(),
			Negatives: u.Negatives,
			Genres:    topGenres[u.UserID],
		})
	}
	return out
}

// TopGenres computes each user's favorite genres from training positives.
func (d *Dataset) TopGenres(movies map[string]*domain.Movie) map[string][]string {
	out := make(map[string][]string, len(d.Users))
	for _, u := range d.Users {
		var lists [][]string
		for _, m := range u.Train {
			if movie, ok := movies[m]; ok {
				lists = append(lists, movie.Genres)
			}
		}
		out[u.UserID] = domain.TopByFrequency(lists, domain.TopGenresCount)
	}
	return out
}

// historyExcept returns up to max train positives of u other than movieID,
// keeping the tail of the list.
func historyExcept(u *UserSplit, movieID string, max int) []string {
	out := make([]string, 0, len(u.Train))
	for _, m := range u.Train {
		if m != movieID {
			out = append(out, m)
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
