package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickwarner/proofserve/internal/models"
)

var (
	_ Service = (*Analytics)(nil)
	_ Service = (*MockAnalytics)(nil)

	_ StatsProvider = (*Analytics)(nil)
	_ StatsProvider = (*MockAnalytics)(nil)
)

// MockAnalytics keeps recorded events in memory for tests.
type MockAnalytics struct {
	mu       sync.Mutex
	Displays []models.DisplayEvent
	Clicks   []models.ClickEvent
	// Err, when set, is returned by every Record call.
	Err error
}

// NewMockAnalytics creates an empty mock.
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

func (m *MockAnalytics) RecordDisplay(_ context.Context, ev models.DisplayEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Displays = append(m.Displays, ev)
	return nil
}

func (m *MockAnalytics) RecordClick(_ context.Context, ev models.ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Clicks = append(m.Clicks, ev)
	return nil
}

// Counts returns the number of recorded displays and clicks.
func (m *MockAnalytics) Counts() (displays, clicks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Displays), len(m.Clicks)
}

// WebsiteStats aggregates the recorded events of websiteID at or after since.
func (m *MockAnalytics) WebsiteStats(_ context.Context, websiteID string, since time.Time) ([]CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	byCampaign := map[string]*CampaignStats{}
	get := func(id string) *CampaignStats {
		st, ok := byCampaign[id]
		if !ok {
			st = &CampaignStats{CampaignID: id}
			byCampaign[id] = st
		}
		return st
	}
	for _, ev := range m.Displays {
		if ev.WebsiteID == websiteID && !ev.At.Before(since) {
			get(ev.CampaignID).Displays++
		}
	}
	for _, ev := range m.Clicks {
		if ev.WebsiteID == websiteID && !ev.At.Before(since) {
			get(ev.CampaignID).Clicks++
		}
	}
	out := make([]CampaignStats, 0, len(byCampaign))
	for _, st := range byCampaign {
		st.CTR = ClickThroughRate(st.Displays, st.Clicks)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Displays != out[j].Displays {
			return out[i].Displays > out[j].Displays
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out, nil
}
