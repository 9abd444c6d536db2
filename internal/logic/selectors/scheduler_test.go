package selectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

func TestSelectNextEmptyIsIdle(t *testing.T) {
	assert.Nil(t, SelectNext(nil, models.DefaultPlaylistRules(), logic.NewSessionState()))
	assert.Nil(t, SelectNext([]models.Candidate{}, models.DefaultPlaylistRules(), nil))
}

func TestSelectNextTiming(t *testing.T) {
	c := campaignAt("a", 1, t0)
	c.Display = models.DisplaySettings{InitialDelayMS: 3000, DisplayDurationMS: 5000, IntervalMS: 8000}

	session := logic.NewSessionState()
	plan := SelectNextAt(candidatesFor(c), models.DefaultPlaylistRules(), session, t0)
	require.NotNil(t, plan)
	assert.Equal(t, "a", plan.CampaignID)
	assert.Equal(t, "site-1", plan.WebsiteID)
	assert.Equal(t, int64(3000), plan.InitialDelayMS)
	assert.Equal(t, int64(5000), plan.DisplayDurationMS)
	assert.Equal(t, int64(8000), plan.IntervalMS)
	assert.Equal(t, t0, plan.SelectedAt)
	assert.NotEmpty(t, plan.DisplayID)
	assert.Equal(t, models.SequencePriority, plan.Mode)

	// Second display on the same page skips the initial delay.
	session.RecordDisplay("a", t0)
	plan = SelectNextAt(candidatesFor(c), models.DefaultPlaylistRules(), session, t0)
	assert.Equal(t, int64(0), plan.InitialDelayMS)
}

func TestSelectNextDefaultsTimings(t *testing.T) {
	c := campaignAt("a", 1, t0)
	c.Display = models.DisplaySettings{}
	plan := SelectNextAt(candidatesFor(c), models.DefaultPlaylistRules(), nil, t0)
	require.NotNil(t, plan)
	assert.Equal(t, models.DefaultDisplayDuration.Milliseconds(), plan.DisplayDurationMS)
	assert.Equal(t, models.DefaultDisplayInterval.Milliseconds(), plan.IntervalMS)
}

func TestSelectNextPlaylistCooldownStretchesInterval(t *testing.T) {
	c := campaignAt("a", 1, t0)
	rules := models.DefaultPlaylistRules()
	rules.CooldownSeconds = 30
	rules.CooldownScope = models.CooldownPlaylist

	plan := SelectNextAt(candidatesFor(c), rules, nil, t0)
	assert.Equal(t, int64(30000), plan.IntervalMS)

	rules.CooldownScope = models.CooldownPerCampaign
	plan = SelectNextAt(candidatesFor(c), rules, nil, t0)
	assert.Equal(t, models.DefaultDisplayInterval.Milliseconds(), plan.IntervalMS)
}

func TestSelectNextUsesMode(t *testing.T) {
	a := campaignAt("A", 9, t0)
	b := campaignAt("B", 1, t0)
	rules := models.PlaylistRules{SequenceMode: models.SequenceSequential, CampaignOrder: []string{"B", "A"}}

	plan := SelectNextAt(candidatesFor(a, b), rules, nil, t0)
	require.NotNil(t, plan)
	assert.Equal(t, "B", plan.CampaignID)
	assert.Equal(t, models.SequenceSequential, plan.Mode)

	rules.SequenceMode = "unknown"
	plan = SelectNextAt(candidatesFor(a, b), rules, nil, t0)
	assert.Equal(t, "A", plan.CampaignID)
	assert.Equal(t, models.SequencePriority, plan.Mode)
}

func TestSelectNextDisplayIDs(t *testing.T) {
	orig := NewDisplayID
	defer func() { NewDisplayID = orig }()
	NewDisplayID = func() string { return "fixed-id" }

	plan := SelectNextAt(candidatesFor(campaignAt("a", 1, t0)), models.DefaultPlaylistRules(), nil, t0)
	assert.Equal(t, "fixed-id", plan.DisplayID)
}
