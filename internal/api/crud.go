package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/db"
	"github.com/patrickwarner/proofserve/internal/models"
)

const maxConfigBody = 256 << 10

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// campaignInput is the writable part of a campaign. Targeting rules stay raw
// so they go through the same parser as rows read from Postgres.
type campaignInput struct {
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Active         bool                   `json:"active"`
	TargetingRules json.RawMessage        `json:"targeting_rules"`
	Display        models.DisplaySettings `json:"display"`
	Priority       int                    `json:"priority"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ===== Campaigns =====

// ListCampaigns handles GET /v1/websites/{id}/campaigns.
func (s *Server) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns := s.Campaigns.CampaignsForWebsite(mux.Vars(r)["id"])
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	writeJSON(w, campaigns)
}

// PutCampaign handles PUT /v1/websites/{id}/campaigns/{cid}. Rule sets that
// do not compile are rejected here; rows that reach the store some other way
// fail closed at evaluation instead.
func (s *Server) PutCampaign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var in campaignInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody)).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rules, err := models.ParseTargetingRules(in.TargetingRules)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := models.Campaign{
		ID:             vars["cid"],
		WebsiteID:      vars["id"],
		Name:           in.Name,
		Type:           in.Type,
		Active:         in.Active,
		TargetingRules: rules,
		Display:        in.Display.Normalize(),
		Priority:       in.Priority,
		CreatedAt:      in.CreatedAt,
	}
	if existing := s.Campaigns.Campaign(c.ID); existing != nil {
		if existing.WebsiteID != c.WebsiteID {
			http.Error(w, "campaign belongs to another website", http.StatusConflict)
			return
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = existing.CreatedAt
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	if !s.saveCampaign(w, r, c, "upsert") {
		return
	}
	writeJSON(w, c)
}

// DeleteCampaign handles DELETE /v1/campaigns/{cid}.
func (s *Server) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["cid"]
	c := s.Campaigns.Campaign(id)
	if c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.PG != nil {
		if err := s.PG.DeleteCampaign(r.Context(), id); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.Logger.Error("delete campaign from postgres", zap.Error(err))
			http.Error(w, "failed to delete campaign", http.StatusInternalServerError)
			return
		}
	}
	if err := s.Campaigns.DeleteCampaign(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.Logger.Error("delete campaign from store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.notifyUpdate(r.Context(), db.UpdateMessage{Entity: "campaign", Action: "delete", ID: id, WebsiteID: c.WebsiteID})
	w.WriteHeader(http.StatusNoContent)
}

// DeviceToggle selects or deselects one device of a campaign.
type DeviceToggle struct {
	Device  models.Device `json:"device"`
	Enabled bool          `json:"enabled"`
}

// SetDevice handles POST /v1/campaigns/{cid}/devices. Deselecting the last
// device is refused with 409.
func (s *Server) SetDevice(w http.ResponseWriter, r *http.Request) {
	c := s.Campaigns.Campaign(mux.Vars(r)["cid"])
	if c == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var in DeviceToggle
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody)).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	updated := *c
	var err error
	if in.Enabled {
		updated.TargetingRules.Devices, err = c.TargetingRules.Devices.Add(in.Device)
	} else {
		updated.TargetingRules.Devices, err = c.TargetingRules.Devices.Remove(in.Device)
	}
	switch {
	case errors.Is(err, models.ErrLastDevice):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := updated.TargetingRules.Compile(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.saveCampaign(w, r, updated, "upsert") {
		return
	}
	writeJSON(w, updated)
}

// saveCampaign writes c to Postgres and the in-memory store. reloadMu keeps a
// concurrent Reload from swapping in a snapshot read before this write.
func (s *Server) saveCampaign(w http.ResponseWriter, r *http.Request, c models.Campaign, action string) bool {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG != nil {
		if err := s.PG.UpsertCampaign(r.Context(), c); err != nil {
			s.Logger.Error("upsert campaign to postgres", zap.Error(err))
			http.Error(w, "failed to persist campaign", http.StatusInternalServerError)
			return false
		}
	}
	if err := s.Campaigns.UpsertCampaign(c); err != nil {
		s.Logger.Error("upsert campaign to store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	s.notifyUpdate(r.Context(), db.UpdateMessage{Entity: "campaign", Action: action, ID: c.ID, WebsiteID: c.WebsiteID})
	return true
}

// ===== Playlists =====

// GetPlaylist handles GET /v1/websites/{id}/playlist.
func (s *Server) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	pl := s.Campaigns.Playlist(mux.Vars(r)["id"])
	if pl == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, pl)
}

// PutPlaylist handles PUT /v1/websites/{id}/playlist. The body is the rule
// set; unknown enums fall back to their defaults.
func (s *Server) PutPlaylist(w http.ResponseWriter, r *http.Request) {
	websiteID := mux.Vars(r)["id"]
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rules, err := models.ParsePlaylistRules(raw, s.Config.DefaultMaxPerSession, s.Logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	pl := models.Playlist{ID: uuid.NewString(), WebsiteID: websiteID, Rules: rules}
	if existing := s.Campaigns.Playlist(websiteID); existing != nil {
		pl.ID = existing.ID
	}
	if s.PG != nil {
		if err := s.PG.UpsertPlaylist(r.Context(), pl); err != nil {
			s.Logger.Error("upsert playlist to postgres", zap.Error(err))
			http.Error(w, "failed to persist playlist", http.StatusInternalServerError)
			return
		}
	}
	if err := s.Campaigns.UpsertPlaylist(pl); err != nil {
		s.Logger.Error("upsert playlist to store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.notifyUpdate(r.Context(), db.UpdateMessage{Entity: "playlist", Action: "upsert", ID: pl.ID, WebsiteID: websiteID})
	writeJSON(w, pl)
}
