package selectors

import (
	"math/rand"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// RandIntn returns a uniform integer in [0, n). Tests may replace it for
// deterministic behavior.
var RandIntn = rand.Intn

// RandomSelector picks uniformly among candidates. Each call is independent;
// repeats are only avoided when the playlist asks for it, which the candidate
// filter enforces.
type RandomSelector struct{}

// Select picks a random candidate.
func (RandomSelector) Select(candidates []models.Candidate, _ models.PlaylistRules, _ *logic.SessionState) *models.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	c := candidates[RandIntn(len(candidates))]
	return &c
}
