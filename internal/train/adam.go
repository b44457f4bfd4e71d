package train

import (
	"math"

	"github.com/timmy/movierec/internal/tower"
)

// Adam is the Adam optimizer over a fixed parameter list.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*tower.Param
	m      [][]float64
	v      [][]float64
	step   int
}

// NewAdam builds an optimizer with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*tower.Param, lr float64) *Adam {
	a := &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.Value[j] -= a.LR * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Epsilon)
		}
	}
}
