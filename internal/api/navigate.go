package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/middleware"
)

// NavigateRequest reports a route change or a document reload.
type NavigateRequest struct {
	WebsiteID  string `json:"website_id"`
	SessionID  string `json:"session_id"`
	FullReload bool   `json:"full_reload"`
}

// NavigateHandler handles POST /v1/navigate.
func (s *Server) NavigateHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "navigate"
	const method = "POST"

	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WebsiteID == "" || req.SessionID == "" {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "website_id and session_id required", http.StatusBadRequest)
		return
	}
	if !s.allow(req.WebsiteID) {
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	now := s.now()
	snap, err := s.withSession(r.Context(), req.SessionID, req.WebsiteID, nil, func(eng *engine.Engine) error {
		return eng.Apply(r.Context(), engine.NavigateEvent(req.FullReload, now))
	})
	if err != nil {
		status := statusFor(err)
		logger.Warn("navigate", zap.Error(err), zap.String("session_id", req.SessionID))
		s.observe(endpoint, method, status, start)
		http.Error(w, err.Error(), status)
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, map[string]any{"state": snap.State, "page_views": snap.PageViews})
}
