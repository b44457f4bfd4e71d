package tower

import (
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/domain"
)

// GenreBinarizer is a fitted multi-label binarizer. Classes is sorted and its
// order defines the component order of every genre vector, for both towers.
type GenreBinarizer struct {
	Classes []string `json:"classes"`

	index map[string]int
}

// FitGenreBinarizer collects the sorted set of genres seen across lists.
func FitGenreBinarizer(lists [][]string) *GenreBinarizer {
	seen := make(map[string]struct{})
	for _, genres := range lists {
		for _, g := range genres {
			if g != "" {
				seen[g] = struct{}{}
			}
		}
	}
	classes := make([]string, 0, len(seen))
	for g := range seen {
		classes = append(classes, g)
	}
	sort.Strings(classes)
	return NewGenreBinarizer(classes)
}

// NewGenreBinarizer wraps an already-ordered class list.
func NewGenreBinarizer(classes []string) *GenreBinarizer {
	b := &GenreBinarizer{Classes: classes}
	b.buildIndex()
	return b
}

func (b *GenreBinarizer) buildIndex() {
	b.index = make(map[string]int, len(b.Classes))
	for i, c := range b.Classes {
		b.index[c] = i
	}
}

// Len returns the vocabulary size.
func (b *GenreBinarizer) Len() int {
	return len(b.Classes)
}

// Has reports whether genre is in the vocabulary.
func (b *GenreBinarizer) Has(genre string) bool {
	_, ok := b.index[genre]
	return ok
}

// Transform encodes genres as a multi-hot vector. Genres outside the vocabulary
// are returned separately and do not set any component.
func (b *GenreBinarizer) Transform(genres []string) ([]float64, []string) {
	out := make([]float64, len(b.Classes))
	var unknown []string
	for _, g := range genres {
		i, ok := b.index[g]
		if !ok {
			unknown = append(unknown, g)
			continue
		}
		out[i] = 1
	}
	return out, unknown
}

// TransformStrict is Transform that rejects unknown genres.
func (b *GenreBinarizer) TransformStrict(genres []string) ([]float64, error) {
	out, unknown := b.Transform(genres)
	if len(unknown) > 0 {
		return nil, domain.Validation("genre_binarizer", "unknown genres %v", unknown)
	}
	return out, nil
}

// Equal reports whether both binarizers have the same classes in the same order.
func (b *GenreBinarizer) Equal(o *GenreBinarizer) bool {
	if b == nil || o == nil || len(b.Classes) != len(o.Classes) {
		return false
	}
	for i := range b.Classes {
		if b.Classes[i] != o.Classes[i] {
			return false
		}
	}
	return true
}

// WriteTo serializes the binarizer as JSON.
func (b *GenreBinarizer) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("failed to encode genre binarizer: %w", err)
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ReadGenreBinarizer decodes a binarizer written by WriteTo.
func ReadGenreBinarizer(r io.Reader) (*GenreBinarizer, error) {
	var b GenreBinarizer
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode genre binarizer: %w", err)
	}
	if len(b.Classes) == 0 {
		return nil, domain.Validation("genre_binarizer", "binarizer has no classes")
	}
	if !sort.StringsAreSorted(b.Classes) {
		return nil, domain.Validation("genre_binarizer", "binarizer classes are not sorted")
	}
	b.buildIndex()
	return &b, nil
}
