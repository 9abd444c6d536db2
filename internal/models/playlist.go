package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// SequenceMode decides how the playlist picks among eligible campaigns.
type SequenceMode string

const (
	SequencePriority   SequenceMode = "priority"
	SequenceSequential SequenceMode = "sequential"
	SequenceRandom     SequenceMode = "random"
)

// IsValid reports whether m is a known sequence mode.
func (m SequenceMode) IsValid() bool {
	return m == SequencePriority || m == SequenceSequential || m == SequenceRandom
}

// ConflictResolution breaks ties between equally ranked candidates.
type ConflictResolution string

const (
	ConflictPriority ConflictResolution = "priority" // keep original order
	ConflictNewest   ConflictResolution = "newest"   // most recently created wins
	ConflictOldest   ConflictResolution = "oldest"   // least recently created wins
)

// IsValid reports whether c is a known conflict resolution policy.
func (c ConflictResolution) IsValid() bool {
	return c == ConflictPriority || c == ConflictNewest || c == ConflictOldest
}

// CooldownScope selects what the playlist cooldown is measured against.
type CooldownScope string

const (
	// CooldownPerCampaign measures from the last display of the same campaign.
	CooldownPerCampaign CooldownScope = "campaign"
	// CooldownPlaylist measures from the last display of any campaign.
	CooldownPlaylist CooldownScope = "playlist"
)

// DefaultMaxPerSession applies when a playlist arrives with max_per_session < 1.
const DefaultMaxPerSession = 5

// PlaylistRules is the per-website sequencing policy.
type PlaylistRules struct {
	SequenceMode       SequenceMode       `json:"sequence_mode"`
	MaxPerPage         int                `json:"max_per_page"`    // 0 = no page cap at playlist level
	MaxPerSession      int                `json:"max_per_session"` // >= 1
	CooldownSeconds    int                `json:"cooldown_seconds"`
	CooldownScope      CooldownScope      `json:"cooldown_scope,omitempty"`
	ConflictResolution ConflictResolution `json:"conflict_resolution"`
	CampaignOrder      []string           `json:"campaign_order"` // used by sequential mode
	// AvoidRepeats drops campaigns already shown in the session, whatever the
	// sequence mode. Off by default: random mode may repeat.
	AvoidRepeats bool `json:"avoid_repeats,omitempty"`
}

// DefaultPlaylistRules returns the policy used for websites without a playlist.
func DefaultPlaylistRules() PlaylistRules {
	return PlaylistRules{
		SequenceMode:       SequencePriority,
		MaxPerSession:      DefaultMaxPerSession,
		CooldownScope:      CooldownPerCampaign,
		ConflictResolution: ConflictPriority,
	}
}

// Normalize replaces unknown enums with defaults and clamps caps. Each
// correction is returned as a warning for the caller to log.
func (r PlaylistRules) Normalize(defaultMaxPerSession int) (PlaylistRules, []string) {
	var warnings []string
	if defaultMaxPerSession < 1 {
		defaultMaxPerSession = DefaultMaxPerSession
	}
	if !r.SequenceMode.IsValid() {
		if r.SequenceMode != "" {
			warnings = append(warnings, fmt.Sprintf("unknown sequence_mode %q, using priority", r.SequenceMode))
		}
		r.SequenceMode = SequencePriority
	}
	if !r.ConflictResolution.IsValid() {
		if r.ConflictResolution != "" {
			warnings = append(warnings, fmt.Sprintf("unknown conflict_resolution %q, using priority", r.ConflictResolution))
		}
		r.ConflictResolution = ConflictPriority
	}
	switch r.CooldownScope {
	case CooldownPerCampaign, CooldownPlaylist:
	case "":
		r.CooldownScope = CooldownPerCampaign
	default:
		warnings = append(warnings, fmt.Sprintf("unknown cooldown_scope %q, using campaign", r.CooldownScope))
		r.CooldownScope = CooldownPerCampaign
	}
	if r.MaxPerSession < 1 {
		warnings = append(warnings, fmt.Sprintf("max_per_session %d < 1, using %d", r.MaxPerSession, defaultMaxPerSession))
		r.MaxPerSession = defaultMaxPerSession
	}
	if r.MaxPerPage < 0 {
		r.MaxPerPage = 0
	}
	if r.CooldownSeconds < 0 {
		r.CooldownSeconds = 0
	}
	return r, warnings
}

// Playlist is the sequencing policy of one website.
type Playlist struct {
	ID        string        `json:"id"`
	WebsiteID string        `json:"website_id"`
	Rules     PlaylistRules `json:"rules"`
}

// ParsePlaylistRules decodes a stored JSON blob, normalizes it and logs any
// corrections. Undecodable blobs fall back to DefaultPlaylistRules.
func ParsePlaylistRules(raw []byte, defaultMaxPerSession int, logger *zap.Logger) (PlaylistRules, error) {
	rules := DefaultPlaylistRules()
	trimmed := bytes.TrimSpace(raw)
	var err error
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var decoded PlaylistRules
		if derr := json.Unmarshal(trimmed, &decoded); derr != nil {
			err = fmt.Errorf("%w: playlist: %v", ErrInvalidRule, derr)
		} else {
			rules = decoded
		}
	}
	rules, warnings := rules.Normalize(defaultMaxPerSession)
	if logger != nil {
		for _, w := range warnings {
			logger.Warn("playlist rules corrected", zap.String("detail", w))
		}
		if err != nil {
			logger.Warn("playlist rules undecodable, using defaults", zap.Error(err))
		}
	}
	return rules, err
}
