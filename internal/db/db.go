package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickwarner/proofserve/internal/models"
)

// Source supplies the configuration rows loaded into a CampaignStore.
// *Postgres implements it.
type Source interface {
	LoadWebsites(ctx context.Context) ([]models.Website, error)
	LoadCampaigns(ctx context.Context) ([]models.Campaign, error)
	LoadPlaylists(ctx context.Context) ([]models.Playlist, error)
}

var _ Source = (*Postgres)(nil)

// LoadResult summarizes one load into the campaign store.
type LoadResult struct {
	Websites  int
	Campaigns int
	Playlists int
	Skipped   int
}

// Load reads websites, campaigns and playlists from src, drops rows that
// reference an undefined website and swaps the result into store atomically.
func Load(ctx context.Context, src Source, store models.CampaignStore, logger *zap.Logger) (LoadResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res LoadResult

	websites, err := src.LoadWebsites(ctx)
	if err != nil {
		return res, fmt.Errorf("load websites: %w", err)
	}
	known := make(map[string]struct{}, len(websites))
	for _, w := range websites {
		known[w.ID] = struct{}{}
	}

	campaigns, err := src.LoadCampaigns(ctx)
	if err != nil {
		return res, fmt.Errorf("load campaigns: %w", err)
	}
	playlists, err := src.LoadPlaylists(ctx)
	if err != nil {
		return res, fmt.Errorf("load playlists: %w", err)
	}

	kept := make([]models.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		if _, ok := known[c.WebsiteID]; !ok {
			logger.Warn("campaign references undefined website; skipped",
				zap.String("campaign_id", c.ID),
				zap.String("website_id", c.WebsiteID))
			res.Skipped++
			continue
		}
		kept = append(kept, c)
	}
	keptPlaylists := make([]models.Playlist, 0, len(playlists))
	for _, p := range playlists {
		if _, ok := known[p.WebsiteID]; !ok {
			logger.Warn("playlist references undefined website; skipped",
				zap.String("playlist_id", p.ID),
				zap.String("website_id", p.WebsiteID))
			res.Skipped++
			continue
		}
		keptPlaylists = append(keptPlaylists, p)
	}

	if err := store.ReloadAll(kept, keptPlaylists); err != nil {
		return res, fmt.Errorf("reload campaign store: %w", err)
	}
	res.Websites = len(websites)
	res.Campaigns = len(kept)
	res.Playlists = len(keptPlaylists)
	return res, nil
}
