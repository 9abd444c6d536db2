package selectors

import (
	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// Selector defines a pluggable strategy for picking the next notification
// among eligible candidates. It returns nil when candidates is empty.
type Selector interface {
	Select(candidates []models.Candidate, rules models.PlaylistRules, session *logic.SessionState) *models.Candidate
}

// ForMode returns the selector for a sequence mode. Unknown modes use
// priority ordering.
func ForMode(mode models.SequenceMode) Selector {
	switch mode {
	case models.SequenceSequential:
		return SequentialSelector{}
	case models.SequenceRandom:
		return RandomSelector{}
	default:
		return PrioritySelector{}
	}
}
