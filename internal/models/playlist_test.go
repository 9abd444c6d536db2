package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPlaylistRules_Normalize(t *testing.T) {
	in := PlaylistRules{
		SequenceMode:       "shuffle",
		ConflictResolution: "loudest",
		CooldownScope:      "forever",
		MaxPerSession:      0,
		MaxPerPage:         -2,
		CooldownSeconds:    -30,
	}
	out, warnings := in.Normalize(3)
	assert.Equal(t, SequencePriority, out.SequenceMode)
	assert.Equal(t, ConflictPriority, out.ConflictResolution)
	assert.Equal(t, CooldownPerCampaign, out.CooldownScope)
	assert.Equal(t, 3, out.MaxPerSession)
	assert.Equal(t, 0, out.MaxPerPage)
	assert.Equal(t, 0, out.CooldownSeconds)
	assert.Len(t, warnings, 4)
}

func TestPlaylistRules_NormalizeKeepsValidValues(t *testing.T) {
	in := PlaylistRules{
		SequenceMode:       SequenceSequential,
		ConflictResolution: ConflictNewest,
		CooldownScope:      CooldownPlaylist,
		MaxPerSession:      2,
		MaxPerPage:         1,
		CooldownSeconds:    300,
		CampaignOrder:      []string{"a", "b"},
	}
	out, warnings := in.Normalize(0)
	assert.Empty(t, warnings)
	assert.Equal(t, in, out)
}

func TestParsePlaylistRules(t *testing.T) {
	raw := `{"sequence_mode":"random","max_per_session":4,"cooldown_seconds":60,"conflict_resolution":"oldest","campaign_order":["x"]}`
	r, err := ParsePlaylistRules([]byte(raw), DefaultMaxPerSession, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, SequenceRandom, r.SequenceMode)
	assert.Equal(t, ConflictOldest, r.ConflictResolution)
	assert.Equal(t, 4, r.MaxPerSession)
	assert.Equal(t, []string{"x"}, r.CampaignOrder)
}

func TestParsePlaylistRules_UndecodableFallsBack(t *testing.T) {
	r, err := ParsePlaylistRules([]byte(`{"max_per_session":"lots"}`), DefaultMaxPerSession, nil)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Equal(t, DefaultPlaylistRules(), r)
}

func TestDisplaySettings_Normalize(t *testing.T) {
	d := DisplaySettings{InitialDelayMS: -5, MaxPerPage: -1, MaxPerSession: 2}.Normalize()
	assert.Equal(t, int64(0), d.InitialDelayMS)
	assert.Equal(t, DefaultDisplayDuration.Milliseconds(), d.DisplayDurationMS)
	assert.Equal(t, DefaultDisplayInterval.Milliseconds(), d.IntervalMS)
	assert.Equal(t, 0, d.MaxPerPage)
	assert.Equal(t, 2, d.MaxPerSession)
}
