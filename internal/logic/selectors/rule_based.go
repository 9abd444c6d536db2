package selectors

import (
	"sort"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// PrioritySelector returns the candidate with the highest campaign priority.
// Equal priorities are broken by the playlist's conflict resolution.
type PrioritySelector struct{}

// Select picks the best ranked candidate.
func (PrioritySelector) Select(candidates []models.Candidate, rules models.PlaylistRules, _ *logic.SessionState) *models.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	ranked := RankCandidates(candidates, rules.ConflictResolution)
	return &ranked[0]
}

// SequentialSelector walks the playlist's campaign order and returns the first
// campaign that is a candidate. When no ordered campaign is eligible it falls
// back to priority ordering over the remaining candidates.
type SequentialSelector struct{}

// Select picks the first candidate in campaign order.
func (SequentialSelector) Select(candidates []models.Candidate, rules models.PlaylistRules, session *logic.SessionState) *models.Candidate {
	if c, ok := firstInOrder(candidates, rules.CampaignOrder); ok {
		return &c
	}
	return PrioritySelector{}.Select(candidates, rules, session)
}

func firstInOrder(candidates []models.Candidate, order []string) (models.Candidate, bool) {
	if len(candidates) == 0 || len(order) == 0 {
		return models.Candidate{}, false
	}
	byID := make(map[string]int, len(candidates))
	for i, c := range candidates {
		if _, dup := byID[c.Campaign.ID]; !dup {
			byID[c.Campaign.ID] = i
		}
	}
	for _, id := range order {
		if i, ok := byID[id]; ok {
			return candidates[i], true
		}
	}
	return models.Candidate{}, false
}

// RankCandidates returns a copy of candidates sorted by descending priority.
// Ties are broken by conflict resolution: "newest" prefers the most recently
// created campaign, "oldest" the least recently created, and "priority" keeps
// the original order. Remaining ties always fall back to the original order,
// so ranking is deterministic.
func RankCandidates(candidates []models.Candidate, conflict models.ConflictResolution) []models.Candidate {
	ranked := make([]models.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Campaign.Priority != b.Campaign.Priority {
			return a.Campaign.Priority > b.Campaign.Priority
		}
		switch conflict {
		case models.ConflictNewest:
			if !a.Campaign.CreatedAt.Equal(b.Campaign.CreatedAt) {
				return a.Campaign.CreatedAt.After(b.Campaign.CreatedAt)
			}
		case models.ConflictOldest:
			if !a.Campaign.CreatedAt.Equal(b.Campaign.CreatedAt) {
				return a.Campaign.CreatedAt.Before(b.Campaign.CreatedAt)
			}
		}
		return a.Order < b.Order
	})
	return ranked
}
