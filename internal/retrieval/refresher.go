package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/repository"
)

const (
	// maxCommitAttempts bounds retries when mutations keep landing mid-recompute.
	maxCommitAttempts = 3
	lockPollInterval  = 50 * time.Millisecond
)

// Refresher keeps a user's cached stats and personalized embedding in step
// with their ratings. At most one recompute per user runs at a time: callers
// in this process share one through singleflight, and the optional Locker
// extends that across replicas.
type Refresher struct {
	ratings    *repository.RatingRepository
	stats      *repository.StatsRepository
	embeddings *repository.EmbeddingRepository
	index      repository.VectorIndex
	locker     Locker
	maxHistory int
	lockWait   time.Duration

	group      singleflight.Group
	recomputes atomic.Int64
}

// NewRefresher creates a Refresher. locker may be nil for a single replica.
// Parameters:
//   - ratings: rating reads for the user's history.
//   - stats: cached stats with the staleness flag.
//   - embeddings: movie and user embedding tables.
//   - index: ANN index whose users collection mirrors user_embeddings.
//   - locker: optional cross-replica lock.
//   - maxHistory: most recent positives averaged into the embedding.
// Returns:
//   - *Refresher: ready to use.
func NewRefresher(
	ratings *repository.RatingRepository,
	stats *repository.StatsRepository,
	embeddings *repository.EmbeddingRepository,
	index repository.VectorIndex,
	locker Locker,
	maxHistory int,
) *Refresher {
	return &Refresher{
		ratings:    ratings,
		stats:      stats,
		embeddings: embeddings,
		index:      index,
		locker:     locker,
		maxHistory: maxHistory,
		lockWait:   5 * time.Second,
	}
}

// Recomputes returns how many recomputes this Refresher committed.
func (r *Refresher) Recomputes() int64 {
	return r.recomputes.Load()
}

// Ensure brings the user's stats up to date if they are stale.
// Parameters:
//   - ctx: request context.
//   - userID: user to refresh.
// Returns:
//   - *domain.UserRatingStats: current stats.
//   - error: NotFound if the user has no stats row.
func (r *Refresher) Ensure(ctx context.Context, userID string) (*domain.UserRatingStats, error) {
	start := time.Now()
	defer metrics.ObserveStage("refresh", start)

	stats, err := r.stats.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !stats.IsStale {
		metrics.RecordRecompute("skipped")
		return stats, nil
	}

	// the flight is shared, so one caller cancelling must not fail the others
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		return r.recomputeLocked(flightCtx, userID)
	})
	if err != nil {
		metrics.RecordRecompute("error")
		return nil, err
	}
	return v.(*domain.UserRatingStats), nil
}

func (r *Refresher) recomputeLocked(ctx context.Context, userID string) (*domain.UserRatingStats, error) {
	if r.locker == nil {
		return r.recompute(ctx, userID)
	}

	deadline := time.Now().Add(r.lockWait)
	for {
		release, err := r.locker.TryLock(ctx, userID)
		if err != nil {
			return nil, err
		}
		if release != nil {
			defer release()
			return r.recompute(ctx, userID)
		}
		// another replica holds the lock; wait for it to clear the flag
		stats, err := r.stats.GetUserStats(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !stats.IsStale {
			metrics.RecordRecompute("skipped")
			return stats, nil
		}
		if time.Now().After(deadline) {
			logger.CtxWarn(ctx, "Recompute lock for user %s still held, serving stale stats", userID)
			return stats, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// recompute rebuilds and commits the stats. A commit rejected because a
// mutation landed meanwhile is retried with the new version.
func (r *Refresher) recompute(ctx context.Context, userID string) (*domain.UserRatingStats, error) {
	log := logger.FromContext(ctx).WithFields(logger.Fields{"user_id": userID})
	// a recompute that finished before this one joined may have cleared the flag
	current, err := r.stats.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !current.IsStale {
		metrics.RecordRecompute("skipped")
		return current, nil
	}

	var stats *domain.UserRatingStats
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		stats, err = r.stats.ComputeUserStats(ctx, userID)
		if err != nil {
			return nil, err
		}

		vec, err := r.personalizedEmbedding(ctx, userID)
		if err != nil {
			return nil, err
		}
		committed, err := r.stats.CommitUserStats(ctx, stats, repository.UserEmbeddingWrite{
			Table:  domain.TableUserEmbedding,
			Vector: vec,
		})
		if err != nil {
			return nil, err
		}
		if !committed {
			metrics.RecordRecompute("lost_race")
			log.Debugf("Stats changed during recompute, attempt %d", attempt)
			continue
		}

		if vec != nil {
			if err := r.index.Upsert(ctx, repository.CollectionUsers, []repository.VectorPoint{{ID: userID, Vector: vec}}); err != nil {
				// user_embeddings stays authoritative; publish reindexes every user
				log.Warnf("Failed to index user embedding: %v", err)
			}
		}
		r.recomputes.Add(1)
		metrics.RecordRecompute("recomputed")
		log.Infof("Recomputed stats: %d ratings, %d positive", stats.RatingCount, stats.PositiveCount)
		return stats, nil
	}

	latest, err := r.stats.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// personalizedEmbedding averages the personalized embeddings of the user's
// most recent positives and renormalizes. nil means nothing to average.
func (r *Refresher) personalizedEmbedding(ctx context.Context, userID string) (domain.Vector, error) {
	ids, err := r.ratings.RecentPositiveMovieIDs(ctx, userID, r.maxHistory)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	byID, err := r.embeddings.MovieEmbeddings(ctx, domain.TableMovieEmbeddingPersonalized, ids)
	if err != nil {
		return nil, err
	}
	vecs := make([]domain.Vector, 0, len(ids))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			vecs = append(vecs, v)
		}
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	v := domain.MeanNormalized(vecs)
	if !v.IsUnit() {
		return nil, domain.Numerical("user_embedding", "user %s embedding has norm %.6f", userID, v.Norm())
	}
	return v, nil
}

// RefreshStale recomputes up to limit stale users. Used by batch jobs.
func (r *Refresher) RefreshStale(ctx context.Context, limit int) (int, error) {
	ids, err := r.stats.ListStaleUserIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := r.Ensure(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				return n, err
			}
			logger.CtxWarn(ctx, "Failed to refresh user %s: %v", id, err)
			continue
		}
		n++
	}
	return n, nil
}
