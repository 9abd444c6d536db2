package logic

import "github.com/patrickwarner/proofserve/internal/models"

// TraceStep records the campaigns still in play after a selection stage.
type TraceStep struct {
	Stage       string            `json:"stage"`
	CampaignIDs []string          `json:"campaign_ids"`
	Details     map[string]string `json:"details,omitempty"`
}

// SelectionTrace captures the ordered list of steps performed while picking a
// notification.
type SelectionTrace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for the given stage using the supplied campaigns.
func (t *SelectionTrace) AddStep(stage string, campaigns []models.Campaign) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, CampaignIDs: make([]string, 0, len(campaigns))}
	for _, c := range campaigns {
		step.CampaignIDs = append(step.CampaignIDs, c.ID)
	}
	t.Steps = append(t.Steps, step)
}

// AddCandidates appends a trace entry listing candidates, with optional details
// such as per-campaign rejection reasons.
func (t *SelectionTrace) AddCandidates(stage string, candidates []models.Candidate, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, CampaignIDs: make([]string, 0, len(candidates)), Details: details}
	for _, c := range candidates {
		step.CampaignIDs = append(step.CampaignIDs, c.Campaign.ID)
	}
	t.Steps = append(t.Steps, step)
}
