package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/analytics"
	"github.com/patrickwarner/proofserve/internal/middleware"
)

// defaultStatsWindow is used when the since parameter is absent.
const defaultStatsWindow = 24 * time.Hour

// StatsResponse lists per-campaign performance for a website.
type StatsResponse struct {
	WebsiteID string                    `json:"website_id"`
	Since     time.Time                 `json:"since"`
	Campaigns []analytics.CampaignStats `json:"campaigns"`
}

// StatsHandler handles GET /v1/websites/{id}/stats?since=RFC3339.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)

	start := time.Now()
	const endpoint = "stats"
	const method = "GET"

	if s.Stats == nil {
		s.observe(endpoint, method, http.StatusServiceUnavailable, start)
		http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
		return
	}

	websiteID := mux.Vars(r)["id"]
	since := s.now().Add(-defaultStatsWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	stats, err := s.Stats.WebsiteStats(r.Context(), websiteID, since)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, analytics.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		logger.Error("website stats", zap.Error(err), zap.String("website_id", websiteID))
		s.observe(endpoint, method, status, start)
		http.Error(w, "stats unavailable", status)
		return
	}
	if stats == nil {
		stats = []analytics.CampaignStats{}
	}

	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, StatsResponse{WebsiteID: websiteID, Since: since, Campaigns: stats})
}
