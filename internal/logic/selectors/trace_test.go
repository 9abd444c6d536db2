package selectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// TestSelectNextWithTrace verifies that ranking and the chosen campaign are
// captured in the trace steps.
func TestSelectNextWithTrace(t *testing.T) {
	a := campaignAt("a", 1, t0)
	b := campaignAt("b", 2, t0)
	var trace logic.SelectionTrace

	rules := models.PlaylistRules{SequenceMode: models.SequenceSequential, CampaignOrder: []string{"zzz"}}
	plan := SelectNextWithTrace(candidatesFor(a, b), rules, nil, t0, &trace)
	require.NotNil(t, plan)

	require.Len(t, trace.Steps, 2)
	assert.Equal(t, "rank", trace.Steps[0].Stage)
	assert.Equal(t, []string{"b", "a"}, trace.Steps[0].CampaignIDs)
	assert.Equal(t, "priority", trace.Steps[0].Details["fallback"])
	assert.Equal(t, "selected", trace.Steps[1].Stage)
	assert.Equal(t, []string{"b"}, trace.Steps[1].CampaignIDs)
	assert.Equal(t, plan.DisplayID, trace.Steps[1].Details["display_id"])
}
