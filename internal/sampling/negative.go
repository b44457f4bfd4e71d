package sampling

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
)

// Mode selects how the non-random share of a negative set is chosen.
type Mode int

const (
	// ColdStart draws the targeted share from unrated movies sharing a genre
	// with the user's top genres.
	ColdStart Mode = iota
	// Collaborative draws the targeted share from the user's own low ratings.
	Collaborative
)

func (m Mode) String() string {
	switch m {
	case ColdStart:
		return "coldstart"
	case Collaborative:
		return "collaborative"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// UserHistory is what the sampler needs to know about one user.
type UserHistory struct {
	UserID    string
	Positives []string
	Negatives []string // rated below the positive threshold
	Genres    []string // top genres, cold start only
}

// UserNegatives holds NumSets sets of NumNegatives movie ids for one user.
type UserNegatives struct {
	UserID string     `json:"user_id"`
	Sets   [][]string `json:"sets"`
}

// Set returns the set consumed at epoch, rotating through all sets in order.
func (n *UserNegatives) Set(epoch int) []string {
	return n.Sets[epoch%len(n.Sets)]
}

// Sampler draws negative sets against a fixed catalog.
type Sampler struct {
	cfg         config.SamplingConfig
	movieIDs    []string
	movieGenres map[string][]string
}

// NewSampler indexes the catalog. Movie order is normalized so a seed
// reproduces the same sets within a run.
func NewSampler(cfg config.SamplingConfig, movies []*domain.Movie) *Sampler {
	s := &Sampler{
		cfg:         cfg,
		movieIDs:    make([]string, 0, len(movies)),
		movieGenres: make(map[string][]string, len(movies)),
	}
	for _, m := range movies {
		if _, dup := s.movieGenres[m.MovieID]; dup {
			continue
		}
		s.movieIDs = append(s.movieIDs, m.MovieID)
		s.movieGenres[m.MovieID] = m.Genres
	}
	sort.Strings(s.movieIDs)
	return s
}

// targetedCount is the size of the genre or hard share of one set.
func (s *Sampler) targetedCount(mode Mode) int {
	ratio := s.cfg.GenreRatio
	if mode == Collaborative {
		ratio = s.cfg.HardRatio
	}
	return int(float64(s.cfg.NumNegatives) * ratio)
}

// SampleUser draws NumSets sets for u. Each set has exactly NumNegatives ids,
// none of them positively rated by u. Ids repeat within a set only when every
// movie the user did not rate positively is already in it.
// ok is false when the user rated every catalog movie positively.
func (s *Sampler) SampleUser(rng *rand.Rand, mode Mode, u UserHistory) (*UserNegatives, bool) {
	positives := toSet(u.Positives)
	lowRated := toSet(u.Negatives)

	var unrated, nonPositive []string
	for _, id := range s.movieIDs {
		if _, pos := positives[id]; pos {
			continue
		}
		nonPositive = append(nonPositive, id)
		if _, low := lowRated[id]; !low {
			unrated = append(unrated, id)
		}
	}
	if len(nonPositive) == 0 {
		return nil, false
	}

	var targeted []string
	switch mode {
	case ColdStart:
		targeted = s.genreCandidates(unrated, u.Genres)
	case Collaborative:
		for _, id := range u.Negatives {
			if _, pos := positives[id]; !pos && s.known(id) {
				targeted = append(targeted, id)
			}
		}
		targeted = dedupe(targeted)
	}

	out := &UserNegatives{UserID: u.UserID, Sets: make([][]string, s.cfg.NumSets)}
	for i := range out.Sets {
		out.Sets[i] = s.sampleSet(rng, mode, targeted, unrated, nonPositive)
	}
	return out, true
}

func (s *Sampler) sampleSet(rng *rand.Rand, mode Mode, targeted, unrated, nonPositive []string) []string {
	n := s.cfg.NumNegatives
	set := make([]string, 0, n)
	taken := make(map[string]struct{}, n)
	add := func(ids []string) {
		for _, id := range ids {
			taken[id] = struct{}{}
		}
		set = append(set, ids...)
	}

	add(sampleWithout(rng, targeted, s.targetedCount(mode)))

	// random share from unrated movies not already taken, then anything the
	// user did not rate positively
	for _, pool := range [][]string{unrated, nonPositive} {
		if len(set) == n {
			break
		}
		add(sampleWithout(rng, exclude(pool, taken), n-len(set)))
	}

	// pool exhausted: repeat ids as a last resort
	for len(set) < n {
		set = append(set, nonPositive[rng.Intn(len(nonPositive))])
	}

	rng.Shuffle(len(set), func(i, j int) { set[i], set[j] = set[j], set[i] })
	return set
}

func (s *Sampler) genreCandidates(unrated, genres []string) []string {
	want := toSet(genres)
	var out []string
	for _, id := range unrated {
		for _, g := range s.movieGenres[id] {
			if _, ok := want[g]; ok {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (s *Sampler) known(id string) bool {
	_, ok := s.movieGenres[id]
	return ok
}

// SampleAll draws negatives for every user on a bounded worker pool. Each user
// gets its own rng derived from the configured seed and its position, so the
// result does not depend on scheduling. Users with no valid negatives are
// skipped and logged.
func (s *Sampler) SampleAll(ctx context.Context, mode Mode, users []UserHistory) ([]*UserNegatives, error) {
	start := time.Now()
	results := make([]*UserNegatives, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range users {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(s.cfg.Seed + int64(i)*7919))
			negs, ok := s.SampleUser(rng, mode, users[i])
			if !ok {
				logger.CtxWarn(gctx, "No negative candidates for user %s, skipping", users[i].UserID)
				return nil
			}
			results[i] = negs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to sample negatives: %w", err)
	}

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}

	logger.With(logger.Fields{logger.FieldMode: mode.String()}).
		WithCount(len(out)).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Negative sampling completed for %d of %d users", len(out), len(users))
	return out, nil
}

// sampleWithout draws min(k, len(pool)) distinct elements of pool.
func sampleWithout(rng *rand.Rand, pool []string, k int) []string {
	if k <= 0 || len(pool) == 0 {
		return nil
	}
	if k > len(pool) {
		k = len(pool)
	}
	cp := make([]string, len(pool))
	copy(cp, pool)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(len(cp)-i)
		cp[i], cp[j] = cp[j], cp[i]
	}
	return cp[:k]
}

func exclude(pool []string, taken map[string]struct{}) []string {
	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if _, ok := taken[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
