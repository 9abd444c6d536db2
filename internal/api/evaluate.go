package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/logic/filters"
	"github.com/patrickwarner/proofserve/internal/middleware"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
	"github.com/patrickwarner/proofserve/internal/token"
)

// maxQueuedEvents bounds the events a widget may batch into one evaluation.
const maxQueuedEvents = 32

// EvaluateRequest is the body of POST /v1/evaluate. Events are host callbacks
// queued since the last call; only context and navigate events are accepted
// here because display acknowledgements need a signed token.
type EvaluateRequest struct {
	WebsiteID string                `json:"website_id"`
	SessionID string                `json:"session_id,omitempty"`
	Context   models.VisitorContext `json:"context"`
	Events    []engine.Event        `json:"events,omitempty"`
	Debug     bool                  `json:"debug,omitempty"`
}

// EvaluateResponse tells the widget what to render and when to ask again.
type EvaluateResponse struct {
	SessionID        string                     `json:"session_id"`
	State            engine.State               `json:"state"`
	Plan             *models.ScheduledDisplay   `json:"plan"`
	Token            string                     `json:"token,omitempty"`
	NextEvaluationAt *time.Time                 `json:"next_evaluation_at,omitempty"`
	Pending          []filters.PendingCandidate `json:"pending,omitempty"`
	EventErrors      []string                   `json:"event_errors,omitempty"`
	Debug            *DebugInfo                 `json:"debug,omitempty"`
}

// DebugInfo explains a selection.
type DebugInfo struct {
	Trace    *logic.SelectionTrace          `json:"trace"`
	Rejected map[string]models.RuleCategory `json:"rejected,omitempty"`
}

func (req *EvaluateRequest) validate() error {
	if req.WebsiteID == "" {
		return fmt.Errorf("website_id required")
	}
	if len(req.SessionID) > token.MaxIDLength || len(req.WebsiteID) > token.MaxIDLength {
		return fmt.Errorf("identifier too long")
	}
	if len(req.Events) > maxQueuedEvents {
		return fmt.Errorf("too many events: %d, max %d", len(req.Events), maxQueuedEvents)
	}
	for _, ev := range req.Events {
		if ev.Type != engine.EventContext && ev.Type != engine.EventNavigate {
			return fmt.Errorf("event type %q not accepted", ev.Type)
		}
		if ev.Type == engine.EventContext && ev.Context == nil {
			return fmt.Errorf("context event without context")
		}
	}
	return nil
}

// EvaluateHandler handles POST /v1/evaluate: it applies the queued events and
// the fresh visitor context to the session and runs one engine tick.
func (s *Server) EvaluateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "EvaluateHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/evaluate"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "evaluate"
	const method = "POST"

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("decode evaluate request", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.allow(req.WebsiteID) {
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if logic.IsBot(r.UserAgent()) {
		s.Metrics.IncrementEvaluations("bot")
		s.observe(endpoint, method, http.StatusOK, start)
		writeJSON(w, EvaluateResponse{SessionID: req.SessionID, State: engine.StateIdle})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("website_id", req.WebsiteID),
		attribute.String("session_id", sessionID),
	)

	now := s.now()
	vc := logic.ResolveVisitorFromRequest(r, s.GeoIP, req.Context)
	vc.Now = now

	campaigns := s.Campaigns.CampaignsForWebsite(req.WebsiteID)
	rules := models.DefaultPlaylistRules()
	if pl := s.Campaigns.Playlist(req.WebsiteID); pl != nil {
		rules = pl.Rules
	}

	debug := s.DebugTrace || (req.Debug && s.Config.Env != "production")
	var (
		result   engine.TickResult
		selTrace *logic.SelectionTrace
	)
	create := func() engine.Snapshot { return engine.NewSnapshot(sessionID, req.WebsiteID) }
	_, err := s.withSession(ctx, sessionID, req.WebsiteID, create, func(eng *engine.Engine) error {
		if debug {
			selTrace = &logic.SelectionTrace{}
		}
		for _, ev := range req.Events {
			ev.At = now
			if ev.Context != nil {
				c := logic.ResolveVisitorFromRequest(r, s.GeoIP, *ev.Context)
				c.Now = now
				ev.Context = &c
			}
			eng.Enqueue(ev)
		}
		eng.Enqueue(engine.ContextEvent(vc))
		result = eng.TickWithTrace(ctx, campaigns, rules, selTrace)
		return nil
	})
	if err != nil {
		status := statusFor(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "session update failed")
		logger.Error("evaluate", zap.Error(err), zap.String("session_id", sessionID))
		s.observe(endpoint, method, status, start)
		http.Error(w, http.StatusText(status), status)
		return
	}

	resp := EvaluateResponse{
		SessionID: sessionID,
		State:     result.State,
		Plan:      result.Plan,
		Pending:   result.Pending,
	}
	if !result.NextEvaluationAt.IsZero() {
		next := result.NextEvaluationAt
		resp.NextEvaluationAt = &next
	}
	if result.Err != nil {
		logger.Warn("queued events rejected", zap.Error(result.Err), zap.String("session_id", sessionID))
		resp.EventErrors = splitErrors(result.Err)
	}
	if resp.Plan != nil {
		tok, err := s.signPlan(req.WebsiteID, sessionID, resp.Plan)
		if err != nil {
			span.RecordError(err)
			logger.Error("sign plan", zap.Error(err))
			s.observe(endpoint, method, http.StatusInternalServerError, start)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp.Token = tok
		span.SetAttributes(attribute.String("campaign_id", resp.Plan.CampaignID))
	}
	if debug {
		resp.Debug = &DebugInfo{Trace: selTrace, Rejected: result.Rejected}
	}

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("evaluate",
			zap.String("session_id", sessionID),
			zap.String("website_id", req.WebsiteID),
			zap.String("state", string(result.State)),
			zap.Bool("fresh", result.Fresh))
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, resp)
}

// signPlan binds the plan to the session. Tokens are stamped with wall-clock
// time so their expiry does not depend on the engine clock.
func (s *Server) signPlan(websiteID, sessionID string, plan *models.ScheduledDisplay) (string, error) {
	return token.Generate(token.Claims{
		WebsiteID:  websiteID,
		SessionID:  sessionID,
		CampaignID: plan.CampaignID,
		DisplayID:  plan.DisplayID,
	}, s.TokenSecret)
}

// splitErrors flattens an errors.Join result into messages.
func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
