package train

import (
	"math"
	"math/rand"
	"testing"

	"github.com/timmy/movierec/internal/tower"
)

func randVec(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}

func TestPairedInfoNCEUniform(t *testing.T) {
	// identical keys give uniform logits, so the loss is log(1+N)
	q := []float64{1, 0, 0}
	k := []float64{0, 2, 0}
	negs := [][]float64{{0, 3, 0}, {0, 0.5, 0}, {0, 1, 0}}
	loss, _ := PairedInfoNCE{Temperature: 0.07}.Forward(q, k, negs)
	if want := math.Log(4); math.Abs(loss-want) > 1e-9 {
		t.Errorf("loss = %v, want %v", loss, want)
	}
}

func TestPairedInfoNCEScaleInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	q, p := randVec(rng, 6), randVec(rng, 6)
	negs := [][]float64{randVec(rng, 6), randVec(rng, 6)}
	l := PairedInfoNCE{Temperature: 0.5}

	base, _ := l.Forward(q, p, negs)
	scaled := make([]float64, len(q))
	for i := range q {
		scaled[i] = q[i] * 37
	}
	got, _ := l.Forward(scaled, p, negs)
	if math.Abs(base-got) > 1e-9 {
		t.Errorf("loss changed with query scale: %v vs %v", base, got)
	}
}

func TestPairedInfoNCEGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	l := PairedInfoNCE{Temperature: 0.2}
	q, p := randVec(rng, 5), randVec(rng, 5)
	negs := [][]float64{randVec(rng, 5), randVec(rng, 5), randVec(rng, 5)}

	_, g := l.Forward(q, p, negs)

	const eps = 1e-6
	check := func(name string, x []float64, analytic []float64) {
		for i := range x {
			orig := x[i]
			x[i] = orig + eps
			up, _ := l.Forward(q, p, negs)
			x[i] = orig - eps
			down, _ := l.Forward(q, p, negs)
			x[i] = orig
			numeric := (up - down) / (2 * eps)
			if math.Abs(numeric-analytic[i]) > 1e-5 {
				t.Errorf("%s[%d]: analytic %.8f, numeric %.8f", name, i, analytic[i], numeric)
			}
		}
	}
	check("query", q, g.Query)
	check("positive", p, g.Positive)
	for j := range negs {
		check("negative", negs[j], g.Negatives[j])
	}
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	p := &tower.Param{Name: "w", Value: []float64{1, -1}, Grad: []float64{0.5, -0.5}}
	opt := NewAdam([]*tower.Param{p}, 0.1)
	opt.Step()
	// the first bias-corrected step has magnitude lr
	if math.Abs(p.Value[0]-0.9) > 1e-6 || math.Abs(p.Value[1]+0.9) > 1e-6 {
		t.Errorf("values after one step = %v, want [0.9 -0.9]", p.Value)
	}
}
