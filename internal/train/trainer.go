package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"github.com/timmy/movierec/internal/metrics"
	"github.com/timmy/movierec/internal/sampling"
	"github.com/timmy/movierec/internal/tower"
)

// Inputs is everything one training run consumes besides the model.
type Inputs struct {
	Dataset   *Dataset
	Negatives map[string]*sampling.UserNegatives
	// UserGenres holds each user's top genres. Required for cold start.
	UserGenres map[string][]string
}

// Report summarizes a finished run.
type Report struct {
	Mode        sampling.Mode
	Examples    int
	Skipped     int
	EpochLosses []float64
	Duration    time.Duration
}

// FinalLoss returns the mean loss of the last epoch.
func (r *Report) FinalLoss() float64 {
	if len(r.EpochLosses) == 0 {
		return math.NaN()
	}
	return r.EpochLosses[len(r.EpochLosses)-1]
}

// Trainer fits the towers with paired InfoNCE for a fixed number of epochs.
type Trainer struct {
	cfg      config.TrainingConfig
	model    *tower.Model
	features map[string]*tower.MovieFeatures
	loss     PairedInfoNCE
}

// NewTrainer builds a trainer over precomputed movie features.
func NewTrainer(cfg config.TrainingConfig, model *tower.Model, features map[string]*tower.MovieFeatures) *Trainer {
	return &Trainer{
		cfg:      cfg,
		model:    model,
		features: features,
		loss:     PairedInfoNCE{Temperature: cfg.Temperature},
	}
}

// run is the per-call training state.
type run struct {
	mode     sampling.Mode
	in       Inputs
	opt      *Adam
	userHots map[string][]float64
}

// Train runs the configured number of epochs. Epoch e uses negative set
// e % NumSets for every user. Cold start trains both towers from genre input;
// collaborative trains the movie tower with users represented by the mean of
// their other training positives. NaN or Inf in any embedding or loss aborts
// the run with a NumericalError.
func (t *Trainer) Train(ctx context.Context, mode sampling.Mode, in Inputs) (*Report, error) {
	ctx = logger.SetComponent(ctx, "trainer")
	start := time.Now()

	r := &run{mode: mode, in: in}
	params := t.model.Movie.Params()
	if mode == sampling.ColdStart {
		params = append(params, t.model.User.Params()...)
		r.userHots = make(map[string][]float64, len(in.UserGenres))
		for userID, genres := range in.UserGenres {
			hot, unknown := t.model.Genres.Transform(genres)
			if len(unknown) > 0 {
				logger.CtxWarn(ctx, "User %s has genres %v outside the model vocabulary", userID, unknown)
			}
			r.userHots[userID] = hot
		}
	}
	r.opt = NewAdam(params, t.cfg.LearningRate)

	examples, skipped := t.usableExamples(r)
	if len(examples) == 0 {
		return nil, domain.Validation("train", "no usable training examples (%d skipped)", skipped)
	}
	if skipped > 0 {
		logger.CtxWarn(ctx, "Skipped %d examples without negatives, features or genres", skipped)
	}

	report := &Report{Mode: mode, Examples: len(examples), Skipped: skipped}
	rng := rand.New(rand.NewSource(t.cfg.Seed))

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		epochStart := time.Now()
		rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })

		var lossSum float64
		batches := 0
		for lo := 0; lo < len(examples); lo += t.cfg.BatchSize {
			hi := lo + t.cfg.BatchSize
			if hi > len(examples) {
				hi = len(examples)
			}
			loss, err := t.step(ctx, r, epoch, batches, examples[lo:hi])
			if err != nil {
				return nil, err
			}
			lossSum += loss
			batches++
		}

		avg := lossSum / float64(batches)
		report.EpochLosses = append(report.EpochLosses, avg)
		metrics.SetTrainingLoss(mode.String(), avg)
		logger.With(logger.Fields{logger.FieldMode: mode.String()}).
			WithEpoch(epoch+1).
			WithLoss(avg).
			WithDuration(time.Since(epochStart).Milliseconds()).
			Info(ctx, "Epoch %d/%d: loss=%.4f", epoch+1, t.cfg.Epochs, avg)
	}

	report.Duration = time.Since(start)
	return report, nil
}

func (t *Trainer) usableExamples(r *run) ([]Example, int) {
	var out []Example
	skipped := 0
	for _, ex := range r.in.Dataset.Examples() {
		negs, ok := r.in.Negatives[ex.User.UserID]
		if !ok || len(negs.Sets) == 0 {
			skipped++
			continue
		}
		if _, ok := t.features[ex.Positive]; !ok {
			skipped++
			continue
		}
		if r.mode == sampling.ColdStart {
			if len(r.in.UserGenres[ex.User.UserID]) == 0 {
				skipped++
				continue
			}
		}
		out = append(out, ex)
	}
	return out, skipped
}

// batchState caches forward passes so each movie and user is embedded once per batch.
type batchState struct {
	movieActs  map[string]*tower.MovieActivation
	movieGrads map[string][]float64
	movieOrder []string
	userActs   map[string]*tower.UserActivation
	userGrads  map[string][]float64
	userOrder  []string
}

func (b *batchState) addGrad(grads map[string][]float64, id string, g []float64, scale float64) {
	acc := grads[id]
	if acc == nil {
		acc = make([]float64, len(g))
		grads[id] = acc
	}
	for i, v := range g {
		acc[i] += v * scale
	}
}

func (t *Trainer) embedMovie(b *batchState, id string) ([]float64, error) {
	if a, ok := b.movieActs[id]; ok {
		return a.Out, nil
	}
	f, ok := t.features[id]
	if !ok {
		return nil, domain.NotFound("train", "no features for movie %s", id)
	}
	a := t.model.Movie.Forward(f)
	b.movieActs[id] = a
	b.movieOrder = append(b.movieOrder, id)
	return a.Out, nil
}

func (t *Trainer) step(ctx context.Context, r *run, epoch, batchIdx int, batch []Example) (float64, error) {
	t.model.Movie.ZeroGrad()
	t.model.User.ZeroGrad()

	b := &batchState{
		movieActs:  make(map[string]*tower.MovieActivation),
		movieGrads: make(map[string][]float64),
		userActs:   make(map[string]*tower.UserActivation),
		userGrads:  make(map[string][]float64),
	}
	scale := 1 / float64(len(batch))
	dim := t.model.Movie.Dims.Embedding

	var lossSum float64
	for _, ex := range batch {
		userID := ex.User.UserID

		var query []float64
		var history []string
		switch r.mode {
		case sampling.ColdStart:
			a, ok := b.userActs[userID]
			if !ok {
				a = t.model.User.Forward(r.userHots[userID])
				b.userActs[userID] = a
				b.userOrder = append(b.userOrder, userID)
			}
			query = a.Out
		case sampling.Collaborative:
			history = historyExcept(ex.User, ex.Positive, t.cfg.MaxHistory)
			query = make([]float64, dim)
			for _, h := range history {
				out, err := t.embedMovie(b, h)
				if err != nil {
					return 0, err
				}
				for d, v := range out {
					query[d] += v / float64(len(history))
				}
			}
		}

		pos, err := t.embedMovie(b, ex.Positive)
		if err != nil {
			return 0, err
		}
		negIDs := r.in.Negatives[userID].Set(epoch)
		negs := make([][]float64, len(negIDs))
		for i, id := range negIDs {
			if negs[i], err = t.embedMovie(b, id); err != nil {
				return 0, err
			}
		}

		loss, g := t.loss.Forward(query, pos, negs)
		if !finite(loss) || !allFinite(query) || !allFinite(pos) || !allRowsFinite(negs) {
			logNumericalDiagnostics(ctx, r.mode, epoch, batchIdx, userID, loss, query, pos, negs)
			return 0, domain.Numerical("train", "NaN/Inf at epoch %d batch %d (user %s, loss %v)", epoch+1, batchIdx, userID, loss)
		}
		lossSum += loss

		b.addGrad(b.movieGrads, ex.Positive, g.Positive, scale)
		for i, id := range negIDs {
			b.addGrad(b.movieGrads, id, g.Negatives[i], scale)
		}
		switch r.mode {
		case sampling.ColdStart:
			b.addGrad(b.userGrads, userID, g.Query, scale)
		case sampling.Collaborative:
			// a user with no other history has a constant zero query
			for _, h := range history {
				b.addGrad(b.movieGrads, h, g.Query, scale/float64(len(history)))
			}
		}
	}

	for _, id := range b.movieOrder {
		if g, ok := b.movieGrads[id]; ok {
			t.model.Movie.Backward(b.movieActs[id], g)
		}
	}
	for _, id := range b.userOrder {
		if g, ok := b.userGrads[id]; ok {
			t.model.User.Backward(b.userActs[id], g)
		}
	}
	r.opt.Step()

	return lossSum / float64(len(batch)), nil
}

func allRowsFinite(rows [][]float64) bool {
	for _, r := range rows {
		if !allFinite(r) {
			return false
		}
	}
	return true
}

type normStats struct {
	min, max, mean float64
	nonFinite      int
}

func (s normStats) String() string {
	return fmt.Sprintf("min=%.4f max=%.4f mean=%.4f non_finite=%d", s.min, s.max, s.mean, s.nonFinite)
}

func rowNorms(rows ...[]float64) normStats {
	s := normStats{min: math.Inf(1), max: math.Inf(-1)}
	for _, r := range rows {
		var sq float64
		for _, v := range r {
			if !finite(v) {
				s.nonFinite++
			}
			sq += v * v
		}
		n := math.Sqrt(sq)
		s.min = math.Min(s.min, n)
		s.max = math.Max(s.max, n)
		s.mean += n / float64(len(rows))
	}
	return s
}

func logNumericalDiagnostics(ctx context.Context, mode sampling.Mode, epoch, batch int, userID string, loss float64, query, pos []float64, negs [][]float64) {
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldMode:   mode.String(),
		logger.FieldEpoch:  epoch + 1,
		logger.FieldUserID: userID,
		logger.FieldLoss:   fmt.Sprintf("%v", loss),
		"batch":            batch,
		"query_norms":      rowNorms(query).String(),
		"positive_norms":   rowNorms(pos).String(),
		"negative_norms":   rowNorms(negs...).String(),
	}).Error("NaN/Inf detected during training, aborting run")
}
