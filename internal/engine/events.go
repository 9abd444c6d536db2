package engine

import (
	"time"

	"github.com/patrickwarner/proofserve/internal/models"
)

// EventType identifies an input event fed to the session loop.
type EventType string

const (
	// EventContext carries a fresh visitor context from the host page.
	EventContext EventType = "context"
	// EventNavigate reports a route change or document reload.
	EventNavigate EventType = "navigate"
	// EventShown confirms the renderer displayed the pending plan.
	EventShown EventType = "shown"
	// EventDiscarded reports the renderer dropped the pending plan unseen.
	EventDiscarded EventType = "discarded"
	// EventClicked reports a click on a shown notification.
	EventClicked EventType = "clicked"
)

// Event is one entry of the session's input queue. Host page callbacks
// (scroll, mouse-leave, timers, navigation, renderer acknowledgements) are
// turned into events so evaluation stays a single synchronous loop.
type Event struct {
	Type       EventType              `json:"type"`
	Context    *models.VisitorContext `json:"context,omitempty"`
	FullReload bool                   `json:"full_reload,omitempty"`
	DisplayID  string                 `json:"display_id,omitempty"`
	CampaignID string                 `json:"campaign_id,omitempty"`
	At         time.Time              `json:"at,omitempty"`
}

// ContextEvent wraps a visitor context update.
func ContextEvent(vc models.VisitorContext) Event {
	return Event{Type: EventContext, Context: &vc, At: vc.Now}
}

// NavigateEvent reports a navigation. fullReload distinguishes a document
// reload from an in-app route change.
func NavigateEvent(fullReload bool, at time.Time) Event {
	return Event{Type: EventNavigate, FullReload: fullReload, At: at}
}

// ShownEvent confirms displayID was shown at at.
func ShownEvent(displayID string, at time.Time) Event {
	return Event{Type: EventShown, DisplayID: displayID, At: at}
}

// DiscardedEvent reports displayID was dropped without being shown.
func DiscardedEvent(displayID string, at time.Time) Event {
	return Event{Type: EventDiscarded, DisplayID: displayID, At: at}
}

// ClickedEvent reports a click on displayID.
func ClickedEvent(displayID, campaignID string, at time.Time) Event {
	return Event{Type: EventClicked, DisplayID: displayID, CampaignID: campaignID, At: at}
}
