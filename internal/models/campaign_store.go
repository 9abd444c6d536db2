package models

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the store.
var ErrNotFound = errors.New("entity not found")

// CampaignStore gives the engine read access to campaign and playlist
// snapshots without global variables. Readers always see a complete snapshot;
// writers swap a new one in atomically.
type CampaignStore interface {
	// Read operations (hot path)
	CampaignsForWebsite(websiteID string) []Campaign
	Campaign(campaignID string) *Campaign
	Playlist(websiteID string) *Playlist

	// Iteration methods
	AllCampaigns() []Campaign
	AllPlaylists() []Playlist
	WebsiteIDs() []string

	// Atomic bulk reload
	ReloadAll(campaigns []Campaign, playlists []Playlist) error

	// Single-entity updates pushed by the dashboard
	UpsertCampaign(campaign Campaign) error
	DeleteCampaign(campaignID string) error
	UpsertPlaylist(playlist Playlist) error
}

// campaignSnapshot is an immutable view of all campaign data.
type campaignSnapshot struct {
	campaigns     []Campaign
	byWebsite     map[string][]Campaign
	campaignIndex map[string]*Campaign
	playlists     map[string]*Playlist // website ID -> playlist
}

// InMemoryCampaignStore implements CampaignStore with atomic snapshot swaps.
type InMemoryCampaignStore struct {
	data    atomic.Pointer[campaignSnapshot]
	writeMu sync.Mutex // serializes read-modify-write updates
}

// NewInMemoryCampaignStore creates an empty store.
func NewInMemoryCampaignStore() *InMemoryCampaignStore {
	s := &InMemoryCampaignStore{}
	s.data.Store(buildCampaignSnapshot(nil, nil))
	return s
}

func buildCampaignSnapshot(campaigns []Campaign, playlists []Playlist) *campaignSnapshot {
	snap := &campaignSnapshot{
		campaigns:     campaigns,
		byWebsite:     make(map[string][]Campaign),
		campaignIndex: make(map[string]*Campaign, len(campaigns)),
		playlists:     make(map[string]*Playlist, len(playlists)),
	}
	for i := range campaigns {
		c := &campaigns[i]
		snap.campaignIndex[c.ID] = c
		snap.byWebsite[c.WebsiteID] = append(snap.byWebsite[c.WebsiteID], *c)
	}
	for i := range playlists {
		snap.playlists[playlists[i].WebsiteID] = &playlists[i]
	}
	return snap
}

// CampaignsForWebsite returns a copy of the website's campaigns in load order.
func (s *InMemoryCampaignStore) CampaignsForWebsite(websiteID string) []Campaign {
	data := s.data.Load()
	items, ok := data.byWebsite[websiteID]
	if !ok {
		return nil
	}
	out := make([]Campaign, len(items))
	copy(out, items)
	return out
}

// Campaign returns the campaign with the given ID, or nil.
func (s *InMemoryCampaignStore) Campaign(campaignID string) *Campaign {
	if c, ok := s.data.Load().campaignIndex[campaignID]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// Playlist returns the website's playlist, or nil when none is configured.
func (s *InMemoryCampaignStore) Playlist(websiteID string) *Playlist {
	if p, ok := s.data.Load().playlists[websiteID]; ok {
		cp := *p
		cp.Rules.CampaignOrder = append([]string(nil), p.Rules.CampaignOrder...)
		return &cp
	}
	return nil
}

// AllCampaigns returns a copy of every campaign.
func (s *InMemoryCampaignStore) AllCampaigns() []Campaign {
	data := s.data.Load()
	out := make([]Campaign, len(data.campaigns))
	copy(out, data.campaigns)
	return out
}

// AllPlaylists returns every playlist ordered by website ID.
func (s *InMemoryCampaignStore) AllPlaylists() []Playlist {
	data := s.data.Load()
	out := make([]Playlist, 0, len(data.playlists))
	for _, p := range data.playlists {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebsiteID < out[j].WebsiteID })
	return out
}

// WebsiteIDs returns the sorted IDs of websites that have campaigns or a playlist.
func (s *InMemoryCampaignStore) WebsiteIDs() []string {
	data := s.data.Load()
	seen := make(map[string]struct{}, len(data.byWebsite))
	for id := range data.byWebsite {
		seen[id] = struct{}{}
	}
	for id := range data.playlists {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReloadAll replaces every campaign and playlist in one swap.
func (s *InMemoryCampaignStore) ReloadAll(campaigns []Campaign, playlists []Playlist) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.data.Store(buildCampaignSnapshot(append([]Campaign(nil), campaigns...), append([]Playlist(nil), playlists...)))
	return nil
}

// UpsertCampaign inserts or replaces a campaign, keeping its position when it
// already exists.
func (s *InMemoryCampaignStore) UpsertCampaign(campaign Campaign) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	campaigns := make([]Campaign, 0, len(current.campaigns)+1)
	replaced := false
	for _, c := range current.campaigns {
		if c.ID == campaign.ID {
			campaigns = append(campaigns, campaign)
			replaced = true
			continue
		}
		campaigns = append(campaigns, c)
	}
	if !replaced {
		campaigns = append(campaigns, campaign)
	}
	s.data.Store(buildCampaignSnapshot(campaigns, s.playlistSlice(current)))
	return nil
}

// DeleteCampaign removes a campaign. ErrNotFound is returned for unknown IDs.
func (s *InMemoryCampaignStore) DeleteCampaign(campaignID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	if _, ok := current.campaignIndex[campaignID]; !ok {
		return ErrNotFound
	}
	campaigns := make([]Campaign, 0, len(current.campaigns)-1)
	for _, c := range current.campaigns {
		if c.ID != campaignID {
			campaigns = append(campaigns, c)
		}
	}
	s.data.Store(buildCampaignSnapshot(campaigns, s.playlistSlice(current)))
	return nil
}

// UpsertPlaylist inserts or replaces the playlist for its website.
func (s *InMemoryCampaignStore) UpsertPlaylist(playlist Playlist) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	playlists := make([]Playlist, 0, len(current.playlists)+1)
	for _, p := range current.playlists {
		if p.WebsiteID != playlist.WebsiteID {
			playlists = append(playlists, *p)
		}
	}
	playlists = append(playlists, playlist)
	s.data.Store(buildCampaignSnapshot(append([]Campaign(nil), current.campaigns...), playlists))
	return nil
}

func (s *InMemoryCampaignStore) playlistSlice(snap *campaignSnapshot) []Playlist {
	out := make([]Playlist, 0, len(snap.playlists))
	for _, p := range snap.playlists {
		out = append(out, *p)
	}
	return out
}
