package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

var t0 = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func testVisitor(at time.Time) models.VisitorContext {
	return models.VisitorContext{Path: "/", Device: models.DeviceDesktop, Now: at}
}

func testCampaigns(ids ...string) []models.Campaign {
	out := make([]models.Campaign, 0, len(ids))
	for i, id := range ids {
		out = append(out, models.NewTestCampaign(id, 1, t0.Add(time.Duration(i)*time.Hour)))
	}
	return out
}

func TestFilterByActive(t *testing.T) {
	cs := testCampaigns("a", "b")
	cs[1].Active = false
	out := FilterByActive(cs)
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("expected only campaign a, got %+v", out)
	}
}

func TestFilterByTargeting(t *testing.T) {
	cs := testCampaigns("mobile", "desktop")
	cs[0].TargetingRules.Devices = models.DeviceSet{models.DeviceMobile}
	cs[0].Prepare(nil)

	out := FilterByTargeting(cs, testVisitor(t0))
	if len(out) != 1 || out[0].ID != "desktop" {
		t.Fatalf("expected only desktop campaign, got %+v", out)
	}
}

func TestPlaylistCapReason(t *testing.T) {
	s := logic.NewSessionState()
	rules := models.PlaylistRules{MaxPerPage: 1, MaxPerSession: 3}
	assert.Empty(t, PlaylistCapReason(s, rules))

	s.RecordDisplay("a", t0)
	assert.Equal(t, models.RulePageCap, PlaylistCapReason(s, rules))

	s.ResetPage()
	s.RecordDisplay("a", t0)
	s.ResetPage()
	s.RecordDisplay("a", t0)
	s.ResetPage()
	assert.Equal(t, models.RuleSessionCap, PlaylistCapReason(s, rules))

	assert.Empty(t, PlaylistCapReason(s, models.PlaylistRules{}), "zero caps are not enforced")
	assert.Empty(t, PlaylistCapReason(nil, rules))
}

func TestSessionBlock(t *testing.T) {
	c := testCampaigns("a")[0]

	t.Run("campaign page cap", func(t *testing.T) {
		c := c
		c.Display.MaxPerPage = 1
		s := logic.NewSessionState()
		s.RecordDisplay("a", t0)
		reason, _ := SessionBlock(c, s, models.PlaylistRules{}, t0)
		assert.Equal(t, models.RuleCampaignPageCap, reason)
	})

	t.Run("campaign session cap", func(t *testing.T) {
		c := c
		c.Display.MaxPerSession = 1
		s := logic.NewSessionState()
		s.RecordDisplay("a", t0)
		s.ResetPage()
		reason, _ := SessionBlock(c, s, models.PlaylistRules{}, t0)
		assert.Equal(t, models.RuleCampaignSessionCap, reason)
	})

	t.Run("once per session", func(t *testing.T) {
		c := c
		c.Display.OncePerSession = true
		s := logic.NewSessionState()
		s.RecordDisplay("a", t0)
		reason, _ := SessionBlock(c, s, models.PlaylistRules{}, t0.Add(time.Hour))
		assert.Equal(t, models.RuleAlreadyShown, reason)
	})

	t.Run("avoid repeats", func(t *testing.T) {
		s := logic.NewSessionState()
		s.RecordDisplay("a", t0)
		reason, _ := SessionBlock(c, s, models.PlaylistRules{AvoidRepeats: true}, t0.Add(time.Hour))
		assert.Equal(t, models.RuleAlreadyShown, reason)
	})

	t.Run("playlist scoped cooldown", func(t *testing.T) {
		s := logic.NewSessionState()
		s.RecordDisplay("other", t0)
		rules := models.PlaylistRules{CooldownSeconds: 60, CooldownScope: models.CooldownPlaylist}
		reason, until := SessionBlock(c, s, rules, t0.Add(30*time.Second))
		assert.Equal(t, models.RuleCooldown, reason)
		assert.Equal(t, t0.Add(time.Minute), until)

		rules.CooldownScope = models.CooldownPerCampaign
		reason, _ = SessionBlock(c, s, rules, t0.Add(30*time.Second))
		assert.Empty(t, reason, "campaign scope ignores other campaigns")
	})
}
