package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

var t0 = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

type spyReporter struct {
	mu       sync.Mutex
	displays []models.DisplayEvent
	clicks   []models.ClickEvent
}

func (s *spyReporter) ReportDisplay(_ context.Context, ev models.DisplayEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displays = append(s.displays, ev)
}

func (s *spyReporter) ReportClick(_ context.Context, ev models.ClickEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, ev)
}

func (s *spyReporter) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.displays), len(s.clicks)
}

type testEnv struct {
	srv      *Server
	router   *mux.Router
	mr       *miniredis.Miniredis
	reporter *spyReporter
	metrics  *observability.MockMetricsRegistry
	clock    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &db.RedisStore{Client: client, Ctx: context.Background()}

	campaigns := models.NewInMemoryCampaignStore()
	require.NoError(t, campaigns.ReloadAll([]models.Campaign{
		models.NewTestCampaign("A", 10, t0.Add(-48*time.Hour)),
		models.NewTestCampaign("B", 5, t0.Add(-24*time.Hour)),
	}, nil))

	cfg := config.Config{
		TokenSecret:          "secret",
		TokenTTL:             time.Minute,
		SessionTTL:           time.Hour,
		PageResetMode:        "navigation",
		DefaultMaxPerSession: models.DefaultMaxPerSession,
		PlanTimeout:          engine.DefaultPlanTimeout,
		Env:                  "test",
	}
	env := &testEnv{
		mr:       mr,
		reporter: &spyReporter{},
		metrics:  observability.NewMockMetricsRegistry(),
		clock:    t0,
	}
	srv, err := NewServer(zaptest.NewLogger(t), store, nil, campaigns, analytics.NewMockAnalytics(), env.reporter, nil, nil, env.metrics, cfg)
	require.NoError(t, err)
	srv.Clock = func() time.Time { return env.clock }
	env.srv = srv

	env.router = mux.NewRouter()
	srv.Routes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) evaluate(t *testing.T, req EvaluateRequest) EvaluateResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/evaluate", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) session(t *testing.T, id string) engine.Snapshot {
	t.Helper()
	snap, found, err := e.srv.Sessions.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return snap
}

func visitor() models.VisitorContext {
	return models.VisitorContext{Path: "/products/shoes", Device: models.DeviceDesktop}
}

func TestNewServer_RejectsUnknownResetMode(t *testing.T) {
	_, err := NewServer(zaptest.NewLogger(t), &db.RedisStore{Client: redis.NewClient(&redis.Options{})}, nil,
		models.NewInMemoryCampaignStore(), nil, nil, nil, nil, nil, config.Config{PageResetMode: "sometimes"})
	assert.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	env.mr.Close()
	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeSource struct {
	websites  []models.Website
	campaigns []models.Campaign
}

func (f fakeSource) LoadWebsites(context.Context) ([]models.Website, error) { return f.websites, nil }
func (f fakeSource) LoadCampaigns(context.Context) ([]models.Campaign, error) {
	return f.campaigns, nil
}
func (f fakeSource) LoadPlaylists(context.Context) ([]models.Playlist, error) { return nil, nil }

func TestReloadHandler(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "no source configured")

	c := models.NewTestCampaign("C", 1, t0)
	env.srv.Source = fakeSource{
		websites:  []models.Website{{ID: "site-1"}},
		campaigns: []models.Campaign{c},
	}
	rec = env.do(t, http.MethodPost, "/reload", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got := env.srv.Campaigns.CampaignsForWebsite("site-1")
	require.Len(t, got, 1)
	assert.Equal(t, "C", got[0].ID)
	assert.Equal(t, 1, env.metrics.Count("requests:reload:204"))
}

// slowSource blocks its first read until release is closed, then returns a
// snapshot that predates any write made meanwhile.
type slowSource struct {
	fakeSource
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *slowSource) LoadWebsites(ctx context.Context) ([]models.Website, error) {
	f.once.Do(func() { close(f.started) })
	<-f.release
	return f.fakeSource.LoadWebsites(ctx)
}

func TestReload_DoesNotOverwriteConcurrentUpsert(t *testing.T) {
	env := newTestEnv(t)
	src := &slowSource{
		fakeSource: fakeSource{
			websites:  []models.Website{{ID: "site-1"}},
			campaigns: []models.Campaign{models.NewTestCampaign("A", 10, t0)},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	env.srv.Source = src

	reloaded := make(chan error, 1)
	go func() {
		_, err := env.srv.Reload(context.Background())
		reloaded <- err
	}()
	<-src.started

	body, err := json.Marshal(map[string]any{"active": true})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/websites/site-1/campaigns/N", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	saved := make(chan struct{})
	go func() {
		env.router.ServeHTTP(rec, req)
		close(saved)
	}()

	assert.Never(t, func() bool {
		select {
		case <-saved:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "upsert must wait for the reload")

	close(src.release)
	require.NoError(t, <-reloaded)
	<-saved
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, env.srv.Campaigns.Campaign("N"), "upsert applied after the reload survives")
	assert.NotNil(t, env.srv.Campaigns.Campaign("A"))
}

func (e *testEnv) doWithUA(t *testing.T, path string, body any, ua string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("User-Agent", ua)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}
