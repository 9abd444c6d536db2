package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignStore_ReloadAndRead(t *testing.T) {
	store := NewTestCampaignStore()
	now := time.Now()
	a := NewTestCampaign("a", 1, now)
	b := NewTestCampaign("b", 2, now)
	c := NewTestCampaign("c", 1, now)
	c.WebsiteID = "site-2"

	require.NoError(t, store.ReloadAll([]Campaign{a, b, c}, []Playlist{{ID: "p1", WebsiteID: "site-1", Rules: DefaultPlaylistRules()}}))

	got := store.CampaignsForWebsite("site-1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Nil(t, store.CampaignsForWebsite("unknown"))

	require.NotNil(t, store.Campaign("c"))
	assert.Equal(t, "site-2", store.Campaign("c").WebsiteID)
	assert.Nil(t, store.Campaign("zzz"))

	require.NotNil(t, store.Playlist("site-1"))
	assert.Nil(t, store.Playlist("site-2"))
	assert.Equal(t, []string{"site-1", "site-2"}, store.WebsiteIDs())
	assert.Len(t, store.AllCampaigns(), 3)
	assert.Len(t, store.AllPlaylists(), 1)
}

func TestCampaignStore_ReturnsCopies(t *testing.T) {
	store := NewTestCampaignStore()
	require.NoError(t, store.ReloadAll([]Campaign{NewTestCampaign("a", 1, time.Now())},
		[]Playlist{{WebsiteID: "site-1", Rules: PlaylistRules{CampaignOrder: []string{"a"}}}}))

	list := store.CampaignsForWebsite("site-1")
	list[0].Name = "mutated"
	assert.NotEqual(t, "mutated", store.Campaign("a").Name)

	p := store.Playlist("site-1")
	p.Rules.CampaignOrder[0] = "mutated"
	assert.Equal(t, "a", store.Playlist("site-1").Rules.CampaignOrder[0])
}

func TestCampaignStore_Upserts(t *testing.T) {
	store := NewTestCampaignStore()
	now := time.Now()
	require.NoError(t, store.ReloadAll([]Campaign{NewTestCampaign("a", 1, now), NewTestCampaign("b", 1, now)}, nil))

	updated := NewTestCampaign("a", 9, now)
	require.NoError(t, store.UpsertCampaign(updated))
	got := store.CampaignsForWebsite("site-1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID, "upsert keeps position")
	assert.Equal(t, 9, got[0].Priority)

	require.NoError(t, store.UpsertCampaign(NewTestCampaign("c", 1, now)))
	assert.Len(t, store.CampaignsForWebsite("site-1"), 3)

	require.NoError(t, store.DeleteCampaign("b"))
	assert.ErrorIs(t, store.DeleteCampaign("b"), ErrNotFound)
	assert.Len(t, store.CampaignsForWebsite("site-1"), 2)

	require.NoError(t, store.UpsertPlaylist(Playlist{WebsiteID: "site-1", Rules: PlaylistRules{MaxPerSession: 1}}))
	require.NoError(t, store.UpsertPlaylist(Playlist{WebsiteID: "site-1", Rules: PlaylistRules{MaxPerSession: 2}}))
	assert.Len(t, store.AllPlaylists(), 1)
	assert.Equal(t, 2, store.Playlist("site-1").Rules.MaxPerSession)
	assert.Len(t, store.AllCampaigns(), 2, "playlist upsert keeps campaigns")
}
