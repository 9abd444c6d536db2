package models

import (
	"time"

	"go.uber.org/zap"
)

// Default display timings used when a campaign leaves them unset.
const (
	DefaultDisplayDuration = 6 * time.Second
	DefaultDisplayInterval = 10 * time.Second
)

// DisplaySettings controls how long a notification stays up and how often the
// widget asks for another one. Caps of zero or less mean "no cap at this level".
type DisplaySettings struct {
	InitialDelayMS    int64 `json:"initial_delay_ms"`
	DisplayDurationMS int64 `json:"display_duration_ms"`
	IntervalMS        int64 `json:"interval_ms"`
	MaxPerPage        int   `json:"max_per_page"`
	MaxPerSession     int   `json:"max_per_session"`
	// OncePerSession drops the campaign once it has been shown in the session.
	// Notification types such as announcements set it to avoid repeats.
	OncePerSession bool `json:"once_per_session,omitempty"`
}

// Normalize fills default timings and clamps negative values to zero.
func (d DisplaySettings) Normalize() DisplaySettings {
	if d.InitialDelayMS < 0 {
		d.InitialDelayMS = 0
	}
	if d.DisplayDurationMS <= 0 {
		d.DisplayDurationMS = DefaultDisplayDuration.Milliseconds()
	}
	if d.IntervalMS <= 0 {
		d.IntervalMS = DefaultDisplayInterval.Milliseconds()
	}
	if d.MaxPerPage < 0 {
		d.MaxPerPage = 0
	}
	if d.MaxPerSession < 0 {
		d.MaxPerSession = 0
	}
	return d
}

// Campaign is a configured notification widget belonging to a website. The
// message template and styling live with the renderer; the engine only needs
// targeting, display timing and ordering metadata.
type Campaign struct {
	ID             string          `json:"id"`
	WebsiteID      string          `json:"website_id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"` // notification type, e.g. "recent_purchase"
	Active         bool            `json:"active"`
	TargetingRules TargetingRules  `json:"targeting_rules"`
	Display        DisplaySettings `json:"display"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Prepare compiles the campaign's targeting rules and normalizes its display
// settings. Configuration errors are logged and kept on the rules so the
// campaign fails closed instead of aborting a reload.
func (c *Campaign) Prepare(logger *zap.Logger) {
	c.Display = c.Display.Normalize()
	if err := c.TargetingRules.Compile(); err != nil && logger != nil {
		logger.Warn("campaign targeting rules invalid; campaign will not show",
			zap.String("campaign_id", c.ID),
			zap.String("website_id", c.WebsiteID),
			zap.Error(err))
	}
}

// Candidate is a campaign that passed targeting and session caps for the
// current tick. Order is its position in the campaign list handed to the
// filter and serves as the stable tie-breaker.
type Candidate struct {
	Campaign Campaign
	Order    int
}

// ScheduledDisplay is the plan handed to the renderer: which campaign to show,
// how long to wait before showing it, how long to keep it up and when to ask
// the engine again.
type ScheduledDisplay struct {
	DisplayID         string       `json:"display_id"`
	CampaignID        string       `json:"campaign_id"`
	WebsiteID         string       `json:"website_id"`
	Mode              SequenceMode `json:"mode"`
	InitialDelayMS    int64        `json:"initial_delay_ms"`
	DisplayDurationMS int64        `json:"display_duration_ms"`
	IntervalMS        int64        `json:"interval_ms"`
	SelectedAt        time.Time    `json:"selected_at"`
}

// DisplayEvent is reported once the renderer confirms a notification was shown.
type DisplayEvent struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	WebsiteID  string    `json:"website_id"`
	CampaignID string    `json:"campaign_id"`
	Path       string    `json:"path,omitempty"`
	Device     Device    `json:"device,omitempty"`
	Country    string    `json:"country,omitempty"`
	At         time.Time `json:"at"`
}

// ClickEvent is reported when the visitor clicks a shown notification.
type ClickEvent struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	WebsiteID  string    `json:"website_id"`
	CampaignID string    `json:"campaign_id"`
	At         time.Time `json:"at"`
}
