package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/db"
)

// ReloadHandler reloads websites, campaigns and playlists from Postgres and
// tells the other instances to do the same.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	res, err := s.Reload(r.Context())
	if err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	s.Logger.Info("reloaded campaigns",
		zap.Int("websites", res.Websites),
		zap.Int("campaigns", res.Campaigns),
		zap.Int("playlists", res.Playlists),
		zap.Int("skipped", res.Skipped))
	s.notifyUpdate(r.Context(), db.UpdateMessage{Entity: "all", Action: "reload"})

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
