package train

import "math"

const normEps = 1e-12

// PairedInfoNCE scores one anchor against its own positive and its own
// negatives. Query, positive and negatives are L2-normalized before the dot
// products, logits are divided by the temperature and the loss is the cross
// entropy of the positive at index 0.
type PairedInfoNCE struct {
	Temperature float64
}

// InfoNCEGrad holds dL/d input for one example.
type InfoNCEGrad struct {
	Query     []float64
	Positive  []float64
	Negatives [][]float64
}

// Forward returns the loss and the gradients with respect to the unnormalized inputs.
func (l PairedInfoNCE) Forward(query, positive []float64, negatives [][]float64) (float64, *InfoNCEGrad) {
	q, qNorm := normalize(query)
	keys := make([][]float64, 1+len(negatives))
	norms := make([]float64, len(keys))
	keys[0], norms[0] = normalize(positive)
	for i, n := range negatives {
		keys[i+1], norms[i+1] = normalize(n)
	}

	logits := make([]float64, len(keys))
	maxLogit := math.Inf(-1)
	for j, k := range keys {
		logits[j] = dot(q, k) / l.Temperature
		if logits[j] > maxLogit {
			maxLogit = logits[j]
		}
	}
	var sum float64
	probs := make([]float64, len(keys))
	for j, z := range logits {
		probs[j] = math.Exp(z - maxLogit)
		sum += probs[j]
	}
	for j := range probs {
		probs[j] /= sum
	}
	loss := -(logits[0] - maxLogit - math.Log(sum))

	// dL/dlogit_j = p_j - [j == 0]
	gq := make([]float64, len(q))
	gKeys := make([][]float64, len(keys))
	for j, k := range keys {
		gz := probs[j]
		if j == 0 {
			gz -= 1
		}
		gz /= l.Temperature
		gk := make([]float64, len(k))
		for d := range k {
			gq[d] += gz * k[d]
			gk[d] = gz * q[d]
		}
		gKeys[j] = normalizeBackward(k, norms[j], gk)
	}

	grad := &InfoNCEGrad{
		Query:     normalizeBackward(q, qNorm, gq),
		Positive:  gKeys[0],
		Negatives: gKeys[1:],
	}
	return loss, grad
}

func normalize(x []float64) ([]float64, float64) {
	var s float64
	for _, v := range x {
		s += v * v
	}
	n := math.Max(math.Sqrt(s), normEps)
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v / n
	}
	return y, n
}

func normalizeBackward(y []float64, norm float64, g []float64) []float64 {
	d := dot(y, g)
	out := make([]float64, len(g))
	for i := range g {
		out[i] = (g[i] - y[i]*d) / norm
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !finite(x) {
			return false
		}
	}
	return true
}
