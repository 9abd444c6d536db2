package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/logic/ratelimit"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/token"
)

func TestEvaluate_ReturnsSignedPlan(t *testing.T) {
	env := newTestEnv(t)

	resp := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor()})
	require.NotEmpty(t, resp.SessionID)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, engine.StateDisplaying, resp.State)
	assert.Equal(t, "A", resp.Plan.CampaignID)

	claims, err := token.Verify(resp.Token, env.srv.TokenSecret, env.srv.TokenTTL)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, claims.SessionID)
	assert.Equal(t, resp.Plan.DisplayID, claims.DisplayID)
	assert.Equal(t, "site-1", claims.WebsiteID)

	snap := env.session(t, resp.SessionID)
	assert.Equal(t, engine.StateDisplaying, snap.State)
	assert.Equal(t, 1, env.metrics.Count("evaluations:plan"))

	// Asking again before acknowledging returns the same plan.
	again := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", SessionID: resp.SessionID, Context: visitor()})
	require.NotNil(t, again.Plan)
	assert.Equal(t, resp.Plan.DisplayID, again.Plan.DisplayID)
}

func TestEvaluate_NoEligibleCampaign(t *testing.T) {
	env := newTestEnv(t)

	resp := env.evaluate(t, EvaluateRequest{WebsiteID: "site-unknown", Context: visitor()})
	assert.Nil(t, resp.Plan)
	assert.Empty(t, resp.Token)
	assert.Equal(t, engine.StateIdle, resp.State)
}

func TestEvaluate_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing website", EvaluateRequest{Context: visitor()}},
		{"shown event without token", EvaluateRequest{
			WebsiteID: "site-1",
			Events:    []engine.Event{engine.ShownEvent("d-1", time.Time{})},
		}},
		{"context event without context", EvaluateRequest{
			WebsiteID: "site-1",
			Events:    []engine.Event{{Type: engine.EventContext}},
		}},
		{"not json", "plain string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/evaluate", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestEvaluate_BotsGetNothing(t *testing.T) {
	env := newTestEnv(t)

	req := EvaluateRequest{WebsiteID: "site-1", Context: visitor()}
	rec := env.doWithUA(t, "/v1/evaluate", req, "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan":null`)
	assert.Empty(t, env.mr.Keys(), "no session stored for bots")
}

func TestEvaluate_SessionOfAnotherWebsite(t *testing.T) {
	env := newTestEnv(t)

	resp := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor()})
	rec := env.do(t, http.MethodPost, "/v1/evaluate", EvaluateRequest{
		WebsiteID: "site-2", SessionID: resp.SessionID, Context: visitor(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluate_DebugTrace(t *testing.T) {
	env := newTestEnv(t)

	resp := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor(), Debug: true})
	require.NotNil(t, resp.Debug)
	require.NotNil(t, resp.Debug.Trace)
	assert.NotEmpty(t, resp.Debug.Trace.Steps)

	env.srv.Config.Env = "production"
	resp = env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor(), Debug: true})
	assert.Nil(t, resp.Debug)
}

func TestEvaluate_QueuedNavigationResetsPage(t *testing.T) {
	env := newTestEnv(t)

	first := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor()})
	resp := env.evaluate(t, EvaluateRequest{
		WebsiteID: "site-1",
		SessionID: first.SessionID,
		Context:   visitor(),
		Events:    []engine.Event{engine.NavigateEvent(false, time.Time{})},
	})
	assert.Empty(t, resp.EventErrors)
	assert.Equal(t, 2, env.session(t, first.SessionID).PageViews)
}

func TestEvaluate_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Limiter = ratelimit.NewWebsiteLimiter(ratelimit.Config{Capacity: 1, RefillRate: 0, Enabled: true}, env.metrics)

	env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: visitor()})
	rec := env.do(t, http.MethodPost, "/v1/evaluate", EvaluateRequest{WebsiteID: "site-1", Context: visitor()})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, env.metrics.Count("ratelimit_hits:site-1"))

	// Buckets are per website.
	env.evaluate(t, EvaluateRequest{WebsiteID: "site-2", Context: visitor()})
}

func TestEvaluate_HostDeviceWins(t *testing.T) {
	env := newTestEnv(t)
	c := models.NewTestCampaign("M", 1, t0)
	c.TargetingRules.Devices = models.DeviceSet{models.DeviceMobile}
	require.NoError(t, c.TargetingRules.Compile())
	require.NoError(t, env.srv.Campaigns.ReloadAll([]models.Campaign{c}, nil))

	// Desktop User-Agent, but the host reported mobile.
	vc := visitor()
	vc.Device = models.DeviceMobile
	resp := env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: vc})
	require.NotNil(t, resp.Plan)
	assert.Equal(t, "M", resp.Plan.CampaignID)

	// Without a host value the User-Agent decides.
	vc.Device = ""
	resp = env.evaluate(t, EvaluateRequest{WebsiteID: "site-1", Context: vc})
	assert.Nil(t, resp.Plan)
}
