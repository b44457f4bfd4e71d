package rerank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
)

// DefaultLabelGain weights integer relevance labels 0..10.
var DefaultLabelGain = []float64{0, 1, 2, 3, 5, 7, 10, 13, 17, 22, 28}

const (
	objectiveLambdaRank = "lambdarank"
	maxBins             = 255
	minSumHessian       = 1e-3
	minSplitGain        = 1e-12
)

// Params configures LambdaRank boosting.
type Params struct {
	NumEstimators       int
	LearningRate        float64
	NumLeaves           int
	MaxDepth            int // <= 0 means unlimited
	MinChildSamples     int
	EarlyStoppingRounds int // 0 disables early stopping
	EvalAt              int
	L2                  float64
	Sigma               float64
	LabelGain           []float64
}

// ParamsFromConfig maps the rerank config section onto boosting parameters.
func ParamsFromConfig(cfg config.RerankConfig) Params {
	return Params{
		NumEstimators:       cfg.NumEstimators,
		LearningRate:        cfg.LearningRate,
		NumLeaves:           cfg.NumLeaves,
		MaxDepth:            cfg.MaxDepth,
		MinChildSamples:     cfg.MinChildSamples,
		EarlyStoppingRounds: cfg.EarlyStoppingRounds,
		EvalAt:              cfg.TopN,
		L2:                  1e-3,
		Sigma:               1,
		LabelGain:           DefaultLabelGain,
	}
}

// Group is one query: the candidate rows of a single user with their labels.
type Group struct {
	QueryID  string
	Features [][]float64
	Labels   []int
}

// FitReport summarizes a boosting run.
type FitReport struct {
	Iterations    int
	BestIteration int
	TrainNDCG     float64
	ValidNDCG     float64
	Duration      time.Duration
}

// flat is a group set laid out row by row.
type flat struct {
	x       [][]float64
	labels  []int
	offsets []int // group g spans rows offsets[g]:offsets[g+1]
	idcg    []float64
}

func flatten(groups []Group, p Params) (*flat, error) {
	f := &flat{offsets: []int{0}}
	for _, g := range groups {
		if len(g.Features) != len(g.Labels) {
			return nil, domain.Validation("lambdarank", "group %s has %d rows and %d labels", g.QueryID, len(g.Features), len(g.Labels))
		}
		for i, row := range g.Features {
			if len(row) != NumFeatures {
				return nil, domain.Validation("lambdarank", "group %s row %d has %d features, expected %d", g.QueryID, i, len(row), NumFeatures)
			}
			if l := g.Labels[i]; l < 0 || l >= len(p.LabelGain) {
				return nil, domain.Validation("lambdarank", "group %s label %d outside label gain table", g.QueryID, l)
			}
		}
		f.x = append(f.x, g.Features...)
		f.labels = append(f.labels, g.Labels...)
		f.offsets = append(f.offsets, len(f.x))
		f.idcg = append(f.idcg, idealDCG(g.Labels, p.LabelGain, p.EvalAt))
	}
	return f, nil
}

func (f *flat) numGroups() int {
	return len(f.offsets) - 1
}

func discount(rank int) float64 {
	return 1 / math.Log2(float64(rank)+2)
}

func idealDCG(labels []int, gain []float64, k int) float64 {
	sorted := append([]int(nil), labels...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	var dcg float64
	for r, l := range sorted {
		if k > 0 && r >= k {
			break
		}
		dcg += gain[l] * discount(r)
	}
	return dcg
}

// rankOrder returns row indices of one group sorted by score, highest first, ties by index.
func rankOrder(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// NDCG computes NDCG@k of one group under scores. A group with no relevant
// rows scores 1.
func NDCG(scores []float64, labels []int, gain []float64, k int) float64 {
	idcg := idealDCG(labels, gain, k)
	if idcg == 0 {
		return 1
	}
	var dcg float64
	for r, i := range rankOrder(scores) {
		if k > 0 && r >= k {
			break
		}
		dcg += gain[labels[i]] * discount(r)
	}
	return dcg / idcg
}

func (f *flat) meanNDCG(scores []float64, p Params) float64 {
	if f.numGroups() == 0 {
		return 0
	}
	var sum float64
	for g := 0; g < f.numGroups(); g++ {
		lo, hi := f.offsets[g], f.offsets[g+1]
		sum += NDCG(scores[lo:hi], f.labels[lo:hi], p.LabelGain, p.EvalAt)
	}
	return sum / float64(f.numGroups())
}

// lambdas fills grad and hess with the LambdaRank pairwise gradients.
// Each pair is weighted by the NDCG change of swapping its two rows.
func (f *flat) lambdas(scores, grad, hess []float64, p Params) {
	for i := range grad {
		grad[i], hess[i] = 0, 0
	}
	for g := 0; g < f.numGroups(); g++ {
		lo, hi := f.offsets[g], f.offsets[g+1]
		if f.idcg[g] == 0 || hi-lo < 2 {
			continue
		}
		order := rankOrder(scores[lo:hi])
		rank := make([]int, hi-lo)
		for r, i := range order {
			rank[i] = r
		}
		for i := lo; i < hi; i++ {
			for j := lo; j < hi; j++ {
				if f.labels[i] <= f.labels[j] {
					continue
				}
				gi, gj := p.LabelGain[f.labels[i]], p.LabelGain[f.labels[j]]
				delta := math.Abs((gi - gj) * (discount(rank[i-lo]) - discount(rank[j-lo]))) / f.idcg[g]
				rho := 1 / (1 + math.Exp(p.Sigma*(scores[i]-scores[j])))
				lambda := p.Sigma * rho * delta
				h := p.Sigma * p.Sigma * rho * (1 - rho) * delta
				grad[i] -= lambda
				grad[j] += lambda
				hess[i] += h
				hess[j] += h
			}
		}
	}
}

// binning maps each feature to at most maxBins ordered bins.
type binning struct {
	bounds [][]float64 // bounds[f][b] is the upper edge of bin b
	bins   [][]uint8   // bins[row][f]
}

func newBinning(x [][]float64) *binning {
	b := &binning{bounds: make([][]float64, NumFeatures)}
	for f := 0; f < NumFeatures; f++ {
		vals := make([]float64, 0, len(x))
		for _, row := range x {
			vals = append(vals, row[f])
		}
		sort.Float64s(vals)
		distinct := vals[:0:0]
		for i, v := range vals {
			if i == 0 || v != vals[i-1] {
				distinct = append(distinct, v)
			}
		}
		var bounds []float64
		if len(distinct) <= maxBins {
			for i := 0; i+1 < len(distinct); i++ {
				bounds = append(bounds, (distinct[i]+distinct[i+1])/2)
			}
		} else {
			for q := 1; q < maxBins; q++ {
				lo := vals[q*len(vals)/maxBins-1]
				hi := vals[q*len(vals)/maxBins]
				edge := (lo + hi) / 2
				if len(bounds) == 0 || edge > bounds[len(bounds)-1] {
					bounds = append(bounds, edge)
				}
			}
		}
		b.bounds[f] = bounds
	}
	b.bins = make([][]uint8, len(x))
	for i, row := range x {
		b.bins[i] = make([]uint8, NumFeatures)
		for f := 0; f < NumFeatures; f++ {
			b.bins[i][f] = uint8(sort.SearchFloat64s(b.bounds[f], row[f]))
		}
	}
	return b
}

type split struct {
	feature int
	bin     int
	gain    float64
}

type leaf struct {
	node  int
	rows  []int
	depth int
	best  *split
}

func leafScore(g, h, l2 float64) float64 {
	return g * g / (h + l2)
}

func (b *binning) findSplit(rows []int, grad, hess []float64, p Params) *split {
	if len(rows) < 2*p.MinChildSamples {
		return nil
	}
	var gSum, hSum float64
	for _, r := range rows {
		gSum += grad[r]
		hSum += hess[r]
	}
	parent := leafScore(gSum, hSum, p.L2)

	var best *split
	for f := 0; f < NumFeatures; f++ {
		nb := len(b.bounds[f]) + 1
		if nb < 2 {
			continue
		}
		hg := make([]float64, nb)
		hh := make([]float64, nb)
		hc := make([]int, nb)
		for _, r := range rows {
			bin := b.bins[r][f]
			hg[bin] += grad[r]
			hh[bin] += hess[r]
			hc[bin]++
		}
		var gl, hl float64
		cl := 0
		for bin := 0; bin < nb-1; bin++ {
			gl += hg[bin]
			hl += hh[bin]
			cl += hc[bin]
			cr := len(rows) - cl
			if cl < p.MinChildSamples {
				continue
			}
			if cr < p.MinChildSamples {
				break
			}
			hr := hSum - hl
			if hl < minSumHessian || hr < minSumHessian {
				continue
			}
			gain := leafScore(gl, hl, p.L2) + leafScore(gSum-gl, hr, p.L2) - parent
			if gain > minSplitGain && (best == nil || gain > best.gain) {
				best = &split{feature: f, bin: bin, gain: gain}
			}
		}
	}
	return best
}

// growTree builds one tree leaf-wise: the leaf with the largest gain splits
// next until NumLeaves is reached or nothing splits.
func (b *binning) growTree(grad, hess []float64, n int, p Params) *Tree {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	t := &Tree{Nodes: []Node{{Feature: -1}}}
	root := &leaf{node: 0, rows: rows}
	root.best = b.findSplit(rows, grad, hess, p)
	leaves := []*leaf{root}

	for len(leaves) < p.NumLeaves {
		pick := -1
		for i, l := range leaves {
			if l.best == nil || (p.MaxDepth > 0 && l.depth >= p.MaxDepth) {
				continue
			}
			if pick < 0 || l.best.gain > leaves[pick].best.gain {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		l := leaves[pick]
		s := l.best
		var left, right []int
		for _, r := range l.rows {
			if int(b.bins[r][s.feature]) <= s.bin {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}
		li, ri := len(t.Nodes), len(t.Nodes)+1
		t.Nodes = append(t.Nodes, Node{Feature: -1}, Node{Feature: -1})
		t.Nodes[l.node] = Node{Feature: s.feature, Threshold: b.bounds[s.feature][s.bin], Left: li, Right: ri}

		ll := &leaf{node: li, rows: left, depth: l.depth + 1}
		rl := &leaf{node: ri, rows: right, depth: l.depth + 1}
		ll.best = b.findSplit(left, grad, hess, p)
		rl.best = b.findSplit(right, grad, hess, p)
		leaves[pick] = ll
		leaves = append(leaves, rl)
	}

	for _, l := range leaves {
		var g, h float64
		for _, r := range l.rows {
			g += grad[r]
			h += hess[r]
		}
		t.Nodes[l.node].Value = -g / (h + p.L2) * p.LearningRate
	}
	return t
}

// Fit boosts a LambdaRank ensemble on train. When valid is non-empty and
// EarlyStoppingRounds > 0, boosting stops once validation NDCG@EvalAt has not
// improved for that many rounds and the ensemble is cut at the best round.
func Fit(ctx context.Context, p Params, train, valid []Group) (*Ensemble, *FitReport, error) {
	start := time.Now()
	ctx = logger.SetComponent(ctx, "lambdarank")

	tr, err := flatten(train, p)
	if err != nil {
		return nil, nil, err
	}
	if len(tr.x) == 0 {
		return nil, nil, domain.Validation("lambdarank", "no training rows")
	}
	va, err := flatten(valid, p)
	if err != nil {
		return nil, nil, err
	}

	bins := newBinning(tr.x)
	scores := make([]float64, len(tr.x))
	validScores := make([]float64, len(va.x))
	grad := make([]float64, len(tr.x))
	hess := make([]float64, len(tr.x))

	e := &Ensemble{
		FormatVersion: EnsembleFormatVersion,
		Objective:     objectiveLambdaRank,
		FeatureNames:  append([]string(nil), FeatureNames...),
		LabelGain:     append([]float64(nil), p.LabelGain...),
		LearningRate:  p.LearningRate,
	}
	useValid := va.numGroups() > 0 && p.EarlyStoppingRounds > 0
	bestNDCG, bestIter := math.Inf(-1), -1

	for iter := 0; iter < p.NumEstimators; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tr.lambdas(scores, grad, hess, p)
		tree := bins.growTree(grad, hess, len(tr.x), p)
		e.Trees = append(e.Trees, *tree)
		for i, row := range tr.x {
			scores[i] += tree.Predict(row)
		}
		if !useValid {
			continue
		}
		for i, row := range va.x {
			validScores[i] += tree.Predict(row)
		}
		ndcg := va.meanNDCG(validScores, p)
		if ndcg > bestNDCG+1e-12 {
			bestNDCG, bestIter = ndcg, iter
		} else if iter-bestIter >= p.EarlyStoppingRounds {
			logger.CtxInfo(ctx, "Early stopping at round %d, best round %d (valid NDCG@%d=%.4f)", iter+1, bestIter+1, p.EvalAt, bestNDCG)
			break
		}
	}

	report := &FitReport{Iterations: len(e.Trees)}
	if useValid && bestIter >= 0 {
		e.Trees = e.Trees[:bestIter+1]
		report.ValidNDCG = bestNDCG
	}
	e.BestIteration = len(e.Trees)
	report.BestIteration = e.BestIteration

	final := make([]float64, len(tr.x))
	for i, row := range tr.x {
		final[i] = e.Predict(row)
	}
	report.TrainNDCG = tr.meanNDCG(final, p)
	report.Duration = time.Since(start)

	logger.With(logger.Fields{"best_iteration": report.BestIteration, "train_ndcg": report.TrainNDCG, "valid_ndcg": report.ValidNDCG}).
		WithCount(len(tr.x)).
		WithDuration(report.Duration.Milliseconds()).
		Info(ctx, "LambdaRank fitted %d trees", len(e.Trees))
	return e, report, nil
}

// SplitByQuery deterministically assigns whole groups to train and
// validation, validFraction of them to validation.
func SplitByQuery(groups []Group, validFraction float64) (train, valid []Group) {
	sorted := append([]Group(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QueryID < sorted[j].QueryID })
	nValid := int(float64(len(sorted)) * validFraction)
	if validFraction > 0 && nValid == 0 && len(sorted) > 1 {
		nValid = 1
	}
	// every k-th group goes to validation so both sides span the id range
	if nValid == 0 {
		return sorted, nil
	}
	step := float64(len(sorted)) / float64(nValid)
	pickValid := make(map[int]bool, nValid)
	for i := 0; i < nValid; i++ {
		pickValid[int(float64(i)*step)] = true
	}
	for i, g := range sorted {
		if pickValid[i] {
			valid = append(valid, g)
		} else {
			train = append(train, g)
		}
	}
	return train, valid
}
