package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/config"
	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/logic/ratelimit"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

var tracer = observability.GetTracer("proofserve/api")

// errWebsiteMismatch is returned when a session id is reused for another website.
var errWebsiteMismatch = errors.New("session belongs to another website")

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Store     *db.RedisStore
	Sessions  *db.SessionStore
	Source    db.Source
	PG        *db.Postgres
	Campaigns models.CampaignStore
	Analytics analytics.Service
	Stats     analytics.StatsProvider
	Reporter  engine.Reporter
	GeoIP     logic.CountryLookup
	Limiter   *ratelimit.WebsiteLimiter
	Metrics   observability.MetricsRegistry
	Config    config.Config

	DebugTrace  bool
	TokenSecret []byte
	TokenTTL    time.Duration
	ResetMode   engine.PageResetMode
	// Clock is the server's time source; visitor timestamps are not trusted.
	Clock func() time.Time

	reloadMu sync.Mutex
}

// NewServer constructs a Server. pg may be nil, in which case writes only
// touch the in-memory campaign store.
func NewServer(logger *zap.Logger, store *db.RedisStore, pg *db.Postgres, campaigns models.CampaignStore, svc analytics.Service, reporter engine.Reporter, geo logic.CountryLookup, limiter *ratelimit.WebsiteLimiter, metrics observability.MetricsRegistry, cfg config.Config) (*Server, error) {
	mode, err := engine.ParsePageResetMode(cfg.PageResetMode)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if reporter == nil {
		reporter = engine.NopReporter{}
	}
	s := &Server{
		Logger:      logger,
		Store:       store,
		Sessions:    db.NewSessionStore(store, cfg.SessionTTL, metrics),
		PG:          pg,
		Campaigns:   campaigns,
		Analytics:   svc,
		Reporter:    reporter,
		GeoIP:       geo,
		Limiter:     limiter,
		Metrics:     metrics,
		Config:      cfg,
		DebugTrace:  cfg.DebugTrace,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
		ResetMode:   mode,
		Clock:       time.Now,
	}
	if pg != nil {
		s.Source = pg
	}
	if sp, ok := svc.(analytics.StatsProvider); ok {
		s.Stats = sp
	}
	return s, nil
}

// Routes registers every handler on r.
func (s *Server) Routes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/evaluate", s.EvaluateHandler).Methods("POST")
	v1.HandleFunc("/display", s.DisplayHandler).Methods("POST")
	v1.HandleFunc("/discard", s.DiscardHandler).Methods("POST")
	v1.HandleFunc("/click", s.ClickHandler).Methods("POST")
	v1.HandleFunc("/navigate", s.NavigateHandler).Methods("POST")
	v1.HandleFunc("/events", s.EventHandler).Methods("POST")

	v1.HandleFunc("/websites/{id}/campaigns", s.ListCampaigns).Methods("GET")
	v1.HandleFunc("/websites/{id}/campaigns/{cid}", s.PutCampaign).Methods("PUT")
	v1.HandleFunc("/websites/{id}/playlist", s.GetPlaylist).Methods("GET")
	v1.HandleFunc("/websites/{id}/playlist", s.PutPlaylist).Methods("PUT")
	v1.HandleFunc("/websites/{id}/stats", s.StatsHandler).Methods("GET")
	v1.HandleFunc("/campaigns/{cid}", s.DeleteCampaign).Methods("DELETE")
	v1.HandleFunc("/campaigns/{cid}/devices", s.SetDevice).Methods("POST")

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, fmt.Sprint(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func (s *Server) allow(websiteID string) bool {
	return s.Limiter == nil || s.Limiter.Allow(websiteID)
}

func (s *Server) newEngine(snap engine.Snapshot, reporter engine.Reporter) *engine.Engine {
	return engine.New(snap,
		engine.WithReporter(reporter),
		engine.WithMetrics(s.Metrics),
		engine.WithLogger(s.Logger),
		engine.WithPageResetMode(s.ResetMode),
		engine.WithDefaultMaxPerSession(s.Config.DefaultMaxPerSession),
		engine.WithPlanTimeout(s.Config.PlanTimeout),
		engine.WithClock(s.now),
	)
}

// pendingReports holds the events an engine reported during one session
// update so they are only delivered once the update is stored.
type pendingReports struct {
	displays []models.DisplayEvent
	clicks   []models.ClickEvent
}

func (p *pendingReports) ReportDisplay(_ context.Context, ev models.DisplayEvent) {
	p.displays = append(p.displays, ev)
}

func (p *pendingReports) ReportClick(_ context.Context, ev models.ClickEvent) {
	p.clicks = append(p.clicks, ev)
}

func (p *pendingReports) flush(ctx context.Context, r engine.Reporter) {
	for _, ev := range p.displays {
		r.ReportDisplay(ctx, ev)
	}
	for _, ev := range p.clicks {
		r.ReportClick(ctx, ev)
	}
}

// withSession runs fn against the session's engine inside one optimistic
// update. When the session does not exist, create supplies the initial
// snapshot; a nil create makes the update fail with db.ErrSessionNotFound.
func (s *Server) withSession(ctx context.Context, sessionID, websiteID string, create func() engine.Snapshot, fn func(*engine.Engine) error) (engine.Snapshot, error) {
	var reports pendingReports
	snap, err := s.Sessions.Update(ctx, sessionID, func(snap *engine.Snapshot, found bool) error {
		reports = pendingReports{}
		if !found {
			if create == nil {
				return db.ErrSessionNotFound
			}
			*snap = create()
		} else if snap.WebsiteID != websiteID {
			return errWebsiteMismatch
		}
		eng := s.newEngine(*snap, &reports)
		if err := fn(eng); err != nil {
			return err
		}
		*snap = eng.Snapshot()
		return nil
	})
	if err != nil {
		return snap, err
	}
	reports.flush(ctx, s.Reporter)
	return snap, nil
}

// statusFor maps session and engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrStaleDisplay), errors.Is(err, db.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, errWebsiteMismatch), errors.Is(err, engine.ErrUnknownEvent), errors.Is(err, engine.ErrMissingContext):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Reload refreshes websites, campaigns and playlists from the source.
func (s *Server) Reload(ctx context.Context) (db.LoadResult, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Source == nil {
		return db.LoadResult{}, fmt.Errorf("postgres unavailable")
	}
	return db.Load(ctx, s.Source, s.Campaigns, s.Logger)
}

func (s *Server) notifyUpdate(ctx context.Context, msg db.UpdateMessage) {
	if s.Store == nil || s.Store.Client == nil {
		s.Logger.Warn("redis store not available, skipping update notification")
		return
	}
	if err := s.Store.PublishUpdate(ctx, msg); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}
