package tower

import (
	"math"
	"math/rand"
)

// normEps matches the clamp applied before dividing by an L2 norm.
const normEps = 1e-12

// Param is one trainable tensor and its accumulated gradient, flattened.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// Linear is a dense layer y = W x + b with W stored row-major as [Out][In].
type Linear struct {
	In     int
	Out    int
	Weight []float64
	Bias   []float64

	gradW []float64
	gradB []float64
}

// NewLinear initializes weights and bias uniformly in [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: make([]float64, in*out),
		Bias:   make([]float64, out),
		gradW:  make([]float64, in*out),
		gradB:  make([]float64, out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range l.Weight {
		l.Weight[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range l.Bias {
		l.Bias[i] = (rng.Float64()*2 - 1) * bound
	}
	return l
}

// Forward computes W x + b.
func (l *Linear) Forward(x []float64) []float64 {
	y := make([]float64, l.Out)
	for o := 0; o < l.Out; o++ {
		row := l.Weight[o*l.In : (o+1)*l.In]
		s := l.Bias[o]
		for i, xi := range x {
			if xi != 0 {
				s += row[i] * xi
			}
		}
		y[o] = s
	}
	return y
}

// Backward accumulates parameter gradients for input x and upstream gradient g.
// It returns dL/dx only when needInput is set.
func (l *Linear) Backward(x, g []float64, needInput bool) []float64 {
	var gx []float64
	if needInput {
		gx = make([]float64, l.In)
	}
	for o := 0; o < l.Out; o++ {
		gv := g[o]
		if gv == 0 {
			continue
		}
		l.gradB[o] += gv
		row := l.Weight[o*l.In : (o+1)*l.In]
		grow := l.gradW[o*l.In : (o+1)*l.In]
		for i, xi := range x {
			if xi != 0 {
				grow[i] += gv * xi
			}
			if needInput {
				gx[i] += gv * row[i]
			}
		}
	}
	return gx
}

// ZeroGrad clears accumulated gradients.
func (l *Linear) ZeroGrad() {
	for i := range l.gradW {
		l.gradW[i] = 0
	}
	for i := range l.gradB {
		l.gradB[i] = 0
	}
}

// Params exposes the weight and bias under prefix.weight / prefix.bias.
func (l *Linear) Params(prefix string) []*Param {
	return []*Param{
		{Name: prefix + ".weight", Value: l.Weight, Grad: l.gradW},
		{Name: prefix + ".bias", Value: l.Bias, Grad: l.gradB},
	}
}

// relu passes NaN through so it surfaces in the output.
func relu(x []float64) []float64 {
	y := make([]float64, len(x))
	for i, v := range x {
		if !(v <= 0) {
			y[i] = v
		}
	}
	return y
}

// reluBackward masks g by the sign of the pre-activation.
func reluBackward(pre, g []float64) []float64 {
	out := make([]float64, len(g))
	for i, v := range pre {
		if v > 0 {
			out[i] = g[i]
		}
	}
	return out
}

// l2Normalize returns x/max(||x||, eps) and the clamped norm.
func l2Normalize(x []float64) ([]float64, float64) {
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

// normalizeBackward maps dL/dy to dL/dx for y = x/||x||.
func normalizeBackward(y []float64, norm float64, g []float64) []float64 {
	var dot float64
	for i := range y {
		dot += y[i] * g[i]
	}
	out := make([]float64, len(g))
	for i := range g {
		out[i] = (g[i] - y[i]*dot) / norm
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
