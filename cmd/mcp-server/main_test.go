package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/models"
)

var t0 = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

func newToolServer(t *testing.T) *ToolServer {
	t.Helper()
	checkout := models.NewTestCampaign("checkout", 1, t0)
	checkout.TargetingRules.URLRules.IncludeURLs = []string{"/checkout*"}
	require.NoError(t, checkout.TargetingRules.Compile())

	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll([]models.Campaign{
		models.NewTestCampaign("a", 10, t0.Add(-time.Hour)),
		models.NewTestCampaign("b", 5, t0),
		checkout,
	}, []models.Playlist{{
		ID:        "pl-1",
		WebsiteID: "site-1",
		Rules: models.PlaylistRules{
			SequenceMode:  models.SequenceSequential,
			MaxPerSession: 3,
			CampaignOrder: []string{"b", "a"},
			AvoidRepeats:  true,
		},
	}}))

	return &ToolServer{
		store:                store,
		logger:               zaptest.NewLogger(t),
		defaultMaxPerSession: models.DefaultMaxPerSession,
		now:                  func() time.Time { return t0 },
	}
}

func TestExplainEligibility(t *testing.T) {
	ts := newToolServer(t)
	_, out, err := ts.ExplainEligibility(context.Background(), nil, VisitorInput{WebsiteID: "site-1", Path: "/products"})
	require.NoError(t, err)

	assert.Equal(t, "site-1", out.WebsiteID)
	assert.Equal(t, "b", out.Selected)
	require.Len(t, out.Campaigns, 3)
	for _, c := range out.Campaigns {
		if c.CampaignID == "checkout" {
			assert.False(t, c.Eligible)
			assert.Equal(t, string(models.RuleURLInclude), c.Reason)
		} else {
			assert.True(t, c.Eligible, c.CampaignID)
		}
	}
}

func TestExplainEligibilityErrors(t *testing.T) {
	ts := newToolServer(t)
	_, _, err := ts.ExplainEligibility(context.Background(), nil, VisitorInput{})
	assert.ErrorContains(t, err, "website_id is required")

	_, _, err = ts.ExplainEligibility(context.Background(), nil, VisitorInput{WebsiteID: "nope"})
	assert.ErrorIs(t, err, errUnknownWebsite)

	_, _, err = ts.ExplainEligibility(context.Background(), nil, VisitorInput{WebsiteID: "site-1", At: "yesterday"})
	assert.ErrorContains(t, err, "at")
}

func TestSimulatePlaylist(t *testing.T) {
	ts := newToolServer(t)
	_, out, err := ts.SimulatePlaylist(context.Background(), nil, SimulateInput{
		VisitorInput: VisitorInput{WebsiteID: "site-1", Path: "/", At: "2024-03-05T15:00:00Z"},
	})
	require.NoError(t, err)

	require.Len(t, out.Displays, 2)
	assert.Equal(t, "b", out.Displays[0].CampaignID)
	assert.Equal(t, "2024-03-05T15:00:00Z", out.Displays[0].At)
	assert.Equal(t, "a", out.Displays[1].CampaignID)
	assert.Equal(t, "2024-03-05T15:00:16Z", out.Displays[1].At)
}

func TestSimulatePlaylistHonorsLimit(t *testing.T) {
	ts := newToolServer(t)
	_, out, err := ts.SimulatePlaylist(context.Background(), nil, SimulateInput{
		VisitorInput: VisitorInput{WebsiteID: "site-1"},
		MaxDisplays:  1,
	})
	require.NoError(t, err)
	require.Len(t, out.Displays, 1)
}

func TestWebsiteStats(t *testing.T) {
	ts := newToolServer(t)
	_, _, err := ts.WebsiteStats(context.Background(), nil, StatsInput{WebsiteID: "site-1"})
	assert.ErrorIs(t, err, analytics.ErrUnavailable)

	mock := analytics.NewMockAnalytics()
	ctx := context.Background()
	require.NoError(t, mock.RecordDisplay(ctx, models.DisplayEvent{EventID: "d1", WebsiteID: "site-1", CampaignID: "a", At: t0.Add(-time.Hour)}))
	require.NoError(t, mock.RecordDisplay(ctx, models.DisplayEvent{EventID: "d2", WebsiteID: "site-1", CampaignID: "a", At: t0.Add(-time.Hour)}))
	require.NoError(t, mock.RecordClick(ctx, models.ClickEvent{EventID: "d1", WebsiteID: "site-1", CampaignID: "a", At: t0.Add(-time.Hour)}))
	ts.stats = mock

	_, out, err := ts.WebsiteStats(ctx, nil, StatsInput{WebsiteID: "site-1", Days: 1})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04T15:00:00Z", out.Since)
	require.Len(t, out.Campaigns, 1)
	assert.Equal(t, int64(2), out.Campaigns[0].Displays)
	assert.Equal(t, int64(1), out.Campaigns[0].Clicks)
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	assert.NotNil(t, newMCPServer(newToolServer(t)))
}
