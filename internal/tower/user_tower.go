package tower

import (
	"math/rand"

	"github.com/timmy/movierec/internal/domain"
)

// ColdStartUserTower embeds a user's selected genres: Linear + ReLU + L2.
type ColdStartUserTower struct {
	Dims      Dims
	Projector *Linear
}

// UserActivation keeps the intermediates of one forward pass for Backward.
type UserActivation struct {
	input []float64
	pre   []float64

	// Out is the ReLU output, not normalized.
	Out []float64
}

// NewColdStartUserTower builds a randomly initialized user tower.
func NewColdStartUserTower(d Dims, rng *rand.Rand) *ColdStartUserTower {
	return &ColdStartUserTower{Dims: d, Projector: NewLinear(d.Genre, d.Embedding, rng)}
}

// Forward runs the tower on a multi-hot genre vector.
func (t *ColdStartUserTower) Forward(genres []float64) *UserActivation {
	pre := t.Projector.Forward(genres)
	return &UserActivation{input: genres, pre: pre, Out: relu(pre)}
}

// Backward accumulates gradients given dL/dOut.
func (t *ColdStartUserTower) Backward(a *UserActivation, gOut []float64) {
	t.Projector.Backward(a.input, reluBackward(a.pre, gOut), false)
}

// Embed returns the unit-normalized user embedding for a multi-hot genre vector.
func (t *ColdStartUserTower) Embed(genres []float64) domain.Vector {
	out, _ := l2Normalize(t.Forward(genres).Out)
	return domain.Vector(toFloat32(out))
}

// Params lists every trainable tensor.
func (t *ColdStartUserTower) Params() []*Param {
	return t.Projector.Params(KeyProjector)
}

// ZeroGrad clears accumulated gradients.
func (t *ColdStartUserTower) ZeroGrad() {
	t.Projector.ZeroGrad()
}

// UserTowerSchema returns the expected state dict layout for d.
func UserTowerSchema(d Dims) Schema {
	s := Schema{}
	linearSchema(s, KeyProjector, d.Genre, d.Embedding)
	return s
}

// StateDict exports the weights.
func (t *ColdStartUserTower) StateDict() StateDict {
	sd := StateDict{}
	sd.putLinear(KeyProjector, t.Projector)
	return sd
}

// LoadColdStartUserTower validates sd against d and builds the tower.
func LoadColdStartUserTower(sd StateDict, d Dims) (*ColdStartUserTower, error) {
	if err := sd.Validate(UserTowerSchema(d)); err != nil {
		return nil, err
	}
	return &ColdStartUserTower{Dims: d, Projector: sd.linear(KeyProjector)}, nil
}
