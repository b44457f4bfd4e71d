package rerank

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/timmy/movierec/internal/domain"
)

// EnsembleFormatVersion is bumped whenever the serialized layout changes.
const EnsembleFormatVersion = 1

// Node is one tree node. Leaves have Feature -1 and carry Value, already
// scaled by the learning rate. Rows with x[Feature] <= Threshold go Left.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// Tree is a regression tree stored as a flat node array rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks x from the root to a leaf.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

// NumLeaves counts the leaves of the tree.
func (t *Tree) NumLeaves() int {
	n := 0
	for _, node := range t.Nodes {
		if node.Feature < 0 {
			n++
		}
	}
	return n
}

// Ensemble is a boosted tree ensemble scoring feature rows in FeatureNames order.
type Ensemble struct {
	FormatVersion int       `json:"format_version"`
	Objective     string    `json:"objective"`
	FeatureNames  []string  `json:"feature_names"`
	LabelGain     []float64 `json:"label_gain"`
	LearningRate  float64   `json:"learning_rate"`
	BestIteration int       `json:"best_iteration"`
	Trees         []Tree    `json:"trees"`
}

// Predict returns the ranking score of one feature row.
func (e *Ensemble) Predict(x []float64) float64 {
	var s float64
	for i := range e.Trees {
		s += e.Trees[i].Predict(x)
	}
	return s
}

// Validate checks the feature columns match the ones this build extracts
// and that every node reference is in range.
func (e *Ensemble) Validate() error {
	if e.FormatVersion != EnsembleFormatVersion {
		return domain.Validation("reranker", "unsupported model format version %d", e.FormatVersion)
	}
	if len(e.FeatureNames) != NumFeatures {
		return domain.Validation("reranker", "model has %d feature columns, expected %d", len(e.FeatureNames), NumFeatures)
	}
	for i, name := range e.FeatureNames {
		if name != FeatureNames[i] {
			return domain.Validation("reranker", "feature column %d is %q, expected %q", i, name, FeatureNames[i])
		}
	}
	for ti, t := range e.Trees {
		if len(t.Nodes) == 0 {
			return domain.Validation("reranker", "tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Feature >= NumFeatures || n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return domain.Validation("reranker", "tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return nil
}

// WriteTo serializes the ensemble as JSON.
func (e *Ensemble) WriteTo(w io.Writer) (int64, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadEnsemble decodes and validates a serialized ensemble.
func ReadEnsemble(r io.Reader) (*Ensemble, error) {
	var e Ensemble
	if err := json.NewDecoder(r).Decode(&e); err != nil {
		return nil, domain.Validation("reranker", "decode model: %v", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
