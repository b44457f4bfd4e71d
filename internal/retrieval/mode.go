package retrieval

import "github.com/timmy/movierec/internal/domain"

// Mode is the retrieval path resolved once per request. It is either
// *ColdStart or *Personalized.
type Mode interface {
	Name() string
	isMode()
}

// ColdStart retrieves by the user's onboarding genres.
type ColdStart struct {
	Genres    []string
	Embedding domain.Vector
}

// Personalized retrieves through users with similar rating histories.
type Personalized struct {
	Embedding     domain.Vector
	PositiveCount int64
}

func (*ColdStart) Name() string    { return "coldstart" }
func (*Personalized) Name() string { return "personalized" }

func (*ColdStart) isMode()    {}
func (*Personalized) isMode() {}

// Result is the candidate pool handed to the reranker.
type Result struct {
	Mode       Mode
	Candidates []domain.Candidate
}
