package sampling

import (
	"bufio"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/domain"
)

// WriteNegatives writes one JSON object per user.
func WriteNegatives(w io.Writer, negs []*UserNegatives) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, n := range negs {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("failed to encode negatives for user %s: %w", n.UserID, err)
		}
	}
	return bw.Flush()
}

// ReadNegatives reads sets written by WriteNegatives, keyed by user id. Every
// user must carry numSets sets of numNegatives ids.
func ReadNegatives(r io.Reader, numSets, numNegatives int) (map[string]*UserNegatives, error) {
	out := make(map[string]*UserNegatives)
	dec := json.NewDecoder(r)
	for {
		var n UserNegatives
		err := dec.Decode(&n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode negatives: %w", err)
		}
		if len(n.Sets) != numSets {
			return nil, domain.Validation("read_negatives", "user %s has %d negative sets, expected %d", n.UserID, len(n.Sets), numSets)
		}
		for i, set := range n.Sets {
			if len(set) != numNegatives {
				return nil, domain.Validation("read_negatives", "user %s set %d has %d negatives, expected %d", n.UserID, i, len(set), numNegatives)
			}
		}
		nn := n
		out[n.UserID] = &nn
	}
	return out, nil
}
