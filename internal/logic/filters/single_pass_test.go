package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// TestSinglePassFilterBasic tests basic functionality
func TestSinglePassFilterBasic(t *testing.T) {
	cs := testCampaigns("inactive", "wrong-geo", "right-geo", "anywhere")
	cs[0].Active = false
	cs[1].TargetingRules.Countries.Include = []string{"GB"}
	cs[1].Prepare(nil)
	cs[2].TargetingRules.Countries.Include = []string{"US"}
	cs[2].Prepare(nil)

	ctx := testVisitor(t0)
	ctx.Country = "US"

	metrics := observability.NewMockMetricsRegistry()
	res := NewSinglePassFilter(metrics, nil).Filter(cs, ctx, logic.NewSessionState(), models.DefaultPlaylistRules())

	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "right-geo", res.Candidates[0].Campaign.ID)
	assert.Equal(t, 2, res.Candidates[0].Order)
	assert.Equal(t, "anywhere", res.Candidates[1].Campaign.ID)
	assert.Equal(t, models.RuleInactive, res.Rejected["inactive"])
	assert.Equal(t, models.RuleCountryInclude, res.Rejected["wrong-geo"])
	assert.Equal(t, 1, metrics.Count("rejections:country_include"))
}

func TestFilterIsIdempotent(t *testing.T) {
	cs := testCampaigns("a", "b", "c")
	session := logic.NewSessionState()
	session.RecordDisplay("b", t0)
	before := session.Clone()
	rules := models.PlaylistRules{MaxPerSession: 5, CooldownSeconds: 120}

	ctx := testVisitor(t0.Add(time.Minute))
	first := FilterCandidates(cs, ctx, session, rules)
	second := FilterCandidates(cs, ctx, session, rules)

	assert.Equal(t, first, second)
	assert.Equal(t, before, session, "filtering must not touch the session")
}

func TestFilterSessionCapScenario(t *testing.T) {
	cs := testCampaigns("a")
	rules := models.PlaylistRules{MaxPerSession: 2}
	session := logic.NewSessionState()

	for i := 0; i < 2; i++ {
		got := FilterCandidates(cs, testVisitor(t0), session, rules)
		require.Len(t, got, 1)
		session.RecordDisplay(got[0].Campaign.ID, t0)
	}

	res := NewSinglePassFilter(nil, nil).Filter(cs, testVisitor(t0), session, rules)
	assert.Empty(t, res.Candidates)
	assert.NotNil(t, res.Candidates, "an exhausted cap is a normal empty result")
	assert.Equal(t, models.RuleSessionCap, res.Rejected["a"])
}

func TestFilterCooldownScenario(t *testing.T) {
	cs := testCampaigns("a")
	rules := models.PlaylistRules{MaxPerSession: 10, CooldownSeconds: 300}
	session := logic.NewSessionState()
	session.RecordDisplay("a", t0)

	res := NewSinglePassFilter(nil, nil).Filter(cs, testVisitor(t0.Add(200*time.Second)), session, rules)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, models.RuleCooldown, res.Rejected["a"])
	assert.Equal(t, t0.Add(300*time.Second), res.WakeAt)

	got := FilterCandidates(cs, testVisitor(t0.Add(301*time.Second)), session, rules)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Campaign.ID)
}

func TestFilterPageCapAndNavigation(t *testing.T) {
	cs := testCampaigns("a", "b")
	rules := models.PlaylistRules{MaxPerPage: 1, MaxPerSession: 5}
	session := logic.NewSessionState()
	session.RecordDisplay("a", t0)

	res := NewSinglePassFilter(nil, nil).Filter(cs, testVisitor(t0), session, rules)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, models.RulePageCap, res.Rejected["b"])

	session.ResetPage()
	assert.Len(t, FilterCandidates(cs, testVisitor(t0), session, rules), 2)
}

func TestFilterPendingBehavior(t *testing.T) {
	cs := testCampaigns("slow", "fast")
	cs[0].TargetingRules.Behavior.MinTimeOnPageSeconds = 15
	cs[0].Prepare(nil)

	ctx := testVisitor(t0)
	ctx.TimeOnPage = 5
	res := NewSinglePassFilter(nil, nil).Filter(cs, ctx, logic.NewSessionState(), models.DefaultPlaylistRules())

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "fast", res.Candidates[0].Campaign.ID)
	require.Len(t, res.Pending, 1)
	assert.Equal(t, "slow", res.Pending[0].CampaignID)
	assert.Equal(t, t0.Add(10*time.Second), res.Pending[0].ReadyAt)
	assert.Equal(t, t0.Add(10*time.Second), res.WakeAt)
	_, rejected := res.Rejected["slow"]
	assert.False(t, rejected, "pending is not a rejection")
}

func TestFilterConfigErrorFailsClosed(t *testing.T) {
	broken := models.Campaign{ID: "broken", WebsiteID: "site-1", Active: true}
	broken.TargetingRules, _ = models.ParseTargetingRules([]byte(`{"devices":["desktop"],"schedule":{"timezone":"Bad/Zone"}}`))
	cs := append(testCampaigns("ok"), broken)

	metrics := observability.NewMockMetricsRegistry()
	res := NewSinglePassFilter(metrics, nil).Filter(cs, testVisitor(t0), logic.NewSessionState(), models.DefaultPlaylistRules())

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "ok", res.Candidates[0].Campaign.ID)
	assert.Equal(t, models.RuleConfig, res.Rejected["broken"])
	assert.Equal(t, 1, metrics.Count("config_errors"))
}

func TestFilterWithTrace(t *testing.T) {
	cs := testCampaigns("a", "b")
	cs[1].Active = false
	trace := &logic.SelectionTrace{}

	NewSinglePassFilter(nil, nil).FilterWithTrace(cs, testVisitor(t0), logic.NewSessionState(), models.DefaultPlaylistRules(), trace)

	require.Len(t, trace.Steps, 2)
	assert.Equal(t, "filter_start", trace.Steps[0].Stage)
	assert.Equal(t, []string{"a", "b"}, trace.Steps[0].CampaignIDs)
	assert.Equal(t, "filter_complete", trace.Steps[1].Stage)
	assert.Equal(t, []string{"a"}, trace.Steps[1].CampaignIDs)
	assert.Equal(t, "inactive", trace.Steps[1].Details["rejected_b"])
	assert.Equal(t, "1", trace.Steps[1].Details["output_count"])
}

func TestFilterAvoidRepeatsExcludesEverySessionDisplay(t *testing.T) {
	cs := testCampaigns("a", "b", "c")
	rules := models.PlaylistRules{MaxPerSession: 10, AvoidRepeats: true}
	session := logic.NewSessionState()
	session.RecordDisplay("a", t0)
	session.RecordDisplay("b", t0.Add(time.Minute))

	got := FilterCandidates(cs, testVisitor(t0.Add(time.Hour)), session, rules)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Campaign.ID)

	// a lone candidate that was already shown stays excluded
	got = FilterCandidates(cs[:1], testVisitor(t0.Add(time.Hour)), session, rules)
	assert.Empty(t, got)

	rules.AvoidRepeats = false
	got = FilterCandidates(cs[:1], testVisitor(t0.Add(time.Hour)), session, rules)
	require.Len(t, got, 1, "repeats are allowed when the playlist does not ask to avoid them")
}
