package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/middleware"
	"github.com/patrickwarner/proofserve/internal/token"
)

// ConfirmRequest carries the token handed out with a plan.
type ConfirmRequest struct {
	Token string `json:"token"`
}

// ConfirmResponse reports the session state after an acknowledgement.
type ConfirmResponse struct {
	State            engine.State `json:"state"`
	NextEvaluationAt *time.Time   `json:"next_evaluation_at,omitempty"`
}

// DisplayHandler handles POST /v1/display, the renderer's confirmation that
// the plan was shown. Counters move and the display is reported.
func (s *Server) DisplayHandler(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, "display", func(c token.Claims, at time.Time) engine.Event {
		return engine.ShownEvent(c.DisplayID, at)
	})
}

// DiscardHandler handles POST /v1/discard. The plan is dropped without using
// any quota.
func (s *Server) DiscardHandler(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, "discard", func(c token.Claims, at time.Time) engine.Event {
		return engine.DiscardedEvent(c.DisplayID, at)
	})
}

// ClickHandler handles POST /v1/click on a shown notification.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	s.confirm(w, r, "click", func(c token.Claims, at time.Time) engine.Event {
		return engine.ClickedEvent(c.DisplayID, c.CampaignID, at)
	})
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, endpoint string, event func(token.Claims, time.Time) engine.Event) {
	ctx, span := tracer.Start(r.Context(), "ConfirmHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/v1/"+endpoint),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const method = "POST"

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		s.observe(endpoint, method, http.StatusUnauthorized, start)
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := token.Verify(req.Token, s.TokenSecret, s.TokenTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid token")
		logger.Warn("token verify", zap.Error(err), zap.String("endpoint", endpoint))
		msg := "invalid token"
		if errors.Is(err, token.ErrExpired) {
			msg = "token expired"
		}
		s.observe(endpoint, method, http.StatusUnauthorized, start)
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}
	span.SetAttributes(
		attribute.String("website_id", claims.WebsiteID),
		attribute.String("session_id", claims.SessionID),
		attribute.String("campaign_id", claims.CampaignID),
		attribute.String("display_id", claims.DisplayID),
	)

	if !s.allow(claims.WebsiteID) {
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	now := s.now()
	snap, err := s.withSession(ctx, claims.SessionID, claims.WebsiteID, nil, func(eng *engine.Engine) error {
		return eng.Apply(ctx, event(claims, now))
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session update failed")
			logger.Error("confirm", zap.Error(err), zap.String("endpoint", endpoint))
		} else {
			logger.Warn("confirm rejected", zap.Error(err), zap.String("endpoint", endpoint),
				zap.String("display_id", claims.DisplayID))
		}
		s.observe(endpoint, method, status, start)
		http.Error(w, err.Error(), status)
		return
	}

	resp := ConfirmResponse{State: snap.State}
	if !snap.NextEvaluationAt.IsZero() {
		next := snap.NextEvaluationAt
		resp.NextEvaluationAt = &next
	}
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, resp)
}
