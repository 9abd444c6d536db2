package logic

import (
	"sort"
	"time"
)

// SessionState holds the frequency counters of one visitor session (one tab).
// It is owned by a single evaluation loop and is not safe for concurrent use.
//
// Counters only move on a confirmed display (RecordDisplay). Filtering and
// selection read the state but never change it.
type SessionState struct {
	PageCount    int `json:"shown_count_per_page"`
	SessionCount int `json:"shown_count_per_session"`
	// LastShownAt maps campaign id to its most recent confirmed display.
	LastShownAt map[string]time.Time `json:"last_shown_at_per_campaign"`
	// LastShownAny is the most recent confirmed display of any campaign.
	LastShownAny time.Time `json:"last_shown_at,omitempty"`
	// CampaignPageCounts and CampaignSessionCounts back the per-campaign
	// display caps. The keys of CampaignSessionCounts are the campaigns shown
	// in this session.
	CampaignPageCounts    map[string]int `json:"campaign_page_counts,omitempty"`
	CampaignSessionCounts map[string]int `json:"campaign_session_counts,omitempty"`
}

// NewSessionState returns an empty session.
func NewSessionState() *SessionState {
	return &SessionState{
		LastShownAt:           make(map[string]time.Time),
		CampaignPageCounts:    make(map[string]int),
		CampaignSessionCounts: make(map[string]int),
	}
}

func (s *SessionState) ensureMaps() {
	if s.LastShownAt == nil {
		s.LastShownAt = make(map[string]time.Time)
	}
	if s.CampaignPageCounts == nil {
		s.CampaignPageCounts = make(map[string]int)
	}
	if s.CampaignSessionCounts == nil {
		s.CampaignSessionCounts = make(map[string]int)
	}
}

// RecordDisplay increments every counter for a confirmed display of
// campaignID at instant at. Timestamps never move backwards.
func (s *SessionState) RecordDisplay(campaignID string, at time.Time) {
	s.ensureMaps()
	s.PageCount++
	s.SessionCount++
	s.CampaignPageCounts[campaignID]++
	s.CampaignSessionCounts[campaignID]++
	if prev, ok := s.LastShownAt[campaignID]; !ok || at.After(prev) {
		s.LastShownAt[campaignID] = at
	}
	if at.After(s.LastShownAny) {
		s.LastShownAny = at
	}
}

// ResetPage clears the per-page counters after a navigation.
func (s *SessionState) ResetPage() {
	s.PageCount = 0
	s.CampaignPageCounts = make(map[string]int)
}

// LastShown returns when campaignID was last confirmed shown.
func (s *SessionState) LastShown(campaignID string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	t, ok := s.LastShownAt[campaignID]
	return t, ok
}

// ShownThisSession reports whether campaignID was shown in this session.
func (s *SessionState) ShownThisSession(campaignID string) bool {
	if s == nil {
		return false
	}
	return s.CampaignSessionCounts[campaignID] > 0
}

// ShownCampaignIDs returns the sorted ids of campaigns shown in this session.
func (s *SessionState) ShownCampaignIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.CampaignSessionCounts))
	for id, n := range s.CampaignSessionCounts {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return NewSessionState()
	}
	out := &SessionState{
		PageCount:             s.PageCount,
		SessionCount:          s.SessionCount,
		LastShownAny:          s.LastShownAny,
		LastShownAt:           make(map[string]time.Time, len(s.LastShownAt)),
		CampaignPageCounts:    make(map[string]int, len(s.CampaignPageCounts)),
		CampaignSessionCounts: make(map[string]int, len(s.CampaignSessionCounts)),
	}
	for k, v := range s.LastShownAt {
		out.LastShownAt[k] = v
	}
	for k, v := range s.CampaignPageCounts {
		out.CampaignPageCounts[k] = v
	}
	for k, v := range s.CampaignSessionCounts {
		out.CampaignSessionCounts[k] = v
	}
	return out
}
