package selectors

import (
	"time"

	"github.com/patrickwarner/proofserve/internal/models"
)

// candidatesFor wraps campaigns as candidates in their slice order.
func candidatesFor(campaigns ...models.Campaign) []models.Candidate {
	out := make([]models.Candidate, len(campaigns))
	for i, c := range campaigns {
		out[i] = models.Candidate{Campaign: c, Order: i}
	}
	return out
}

// campaignAt builds a test campaign with the given priority and creation time.
func campaignAt(id string, priority int, created time.Time) models.Campaign {
	return models.NewTestCampaign(id, priority, created)
}
