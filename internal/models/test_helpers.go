package models

import "time"

// NewTestCampaignStore creates a new in-memory campaign store for testing.
func NewTestCampaignStore() CampaignStore {
	return NewInMemoryCampaignStore()
}

// NewTestCampaign returns an active, unrestricted campaign with compiled rules.
func NewTestCampaign(id string, priority int, createdAt time.Time) Campaign {
	c := Campaign{
		ID:             id,
		WebsiteID:      "site-1",
		Name:           "Campaign " + id,
		Type:           "recent_purchase",
		Active:         true,
		TargetingRules: DefaultTargetingRules(),
		Priority:       priority,
		CreatedAt:      createdAt,
	}
	c.Prepare(nil)
	return c
}
