package models

import (
	"errors"
	"time"
)

// Device classes reported by the host page (or derived from the User-Agent).
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
)

// Device is a visitor device class.
type Device string

// IsValid reports whether d is one of the known device classes.
func (d Device) IsValid() bool {
	return d == DeviceDesktop || d == DeviceMobile || d == DeviceTablet
}

// AllDevices is the device set a new campaign starts with.
var AllDevices = DeviceSet{DeviceDesktop, DeviceMobile, DeviceTablet}

var (
	// ErrLastDevice is returned when a mutation would leave a campaign with no devices.
	ErrLastDevice = errors.New("at least one device must remain selected")
	// ErrNoDevices is reported when a stored rule set has an empty device list.
	ErrNoDevices = errors.New("devices must not be empty")
)

// VisitorContext is an immutable snapshot of what the host page knows about the
// visitor at one evaluation tick. The host page rebuilds it every time it
// reports new state (scroll, timer, mouse-leave, navigation).
type VisitorContext struct {
	Path        string    `json:"path"`         // URL path of the current page, query string allowed.
	Referrer    string    `json:"referrer"`     // Full referrer URL; empty for direct traffic.
	Device      Device    `json:"device"`       // desktop, mobile or tablet.
	Country     string    `json:"country"`      // ISO 3166-1 alpha-2 code.
	Now         time.Time `json:"now"`          // Evaluation instant.
	Timezone    string    `json:"timezone"`     // Visitor's IANA zone, informational.
	TimeOnPage  float64   `json:"time_on_page"` // Seconds since page load, non-decreasing within a page view.
	ScrollDepth float64   `json:"scroll_depth"` // Percent 0-100, non-decreasing within a page view.
	ExitIntent  bool      `json:"exit_intent"`  // Level reported by the host page.
	Returning   bool      `json:"returning"`    // True when a persisted visitor id was found.

	// ExitIntentEdge is true only on the tick where ExitIntent went from false
	// to true. The session engine computes it; hosts never set it.
	ExitIntentEdge bool `json:"-"`
}

// DeviceSet is the non-empty set of devices a campaign targets.
type DeviceSet []Device

// Contains reports whether d is selected.
func (s DeviceSet) Contains(d Device) bool {
	for _, v := range s {
		if v == d {
			return true
		}
	}
	return false
}

// Add returns a copy of the set with d selected.
func (s DeviceSet) Add(d Device) (DeviceSet, error) {
	if !d.IsValid() {
		return s, invalidRule("devices", "unknown device %q", d)
	}
	if s.Contains(d) {
		return s, nil
	}
	out := append(DeviceSet{}, s...)
	return append(out, d), nil
}

// Remove returns a copy of the set without d. Removing the last remaining
// device is rejected with ErrLastDevice.
func (s DeviceSet) Remove(d Device) (DeviceSet, error) {
	if !s.Contains(d) {
		return s, nil
	}
	if len(s) == 1 {
		return s, ErrLastDevice
	}
	out := make(DeviceSet, 0, len(s)-1)
	for _, v := range s {
		if v != d {
			out = append(out, v)
		}
	}
	return out, nil
}

// URLRules hold glob patterns matched against the visitor's path. A '*'
// matches any run of characters, including '/'.
type URLRules struct {
	IncludeURLs []string `json:"include_urls"`
	ExcludeURLs []string `json:"exclude_urls"`
}

// ListRule is an include/exclude pair used by countries and traffic sources.
type ListRule struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// BehaviorRules gate a campaign on what the visitor has done on the page.
type BehaviorRules struct {
	MinTimeOnPageSeconds    float64 `json:"min_time_on_page_seconds"`
	MinScrollDepthPercent   float64 `json:"min_scroll_depth_percent"`
	TriggerOnExitIntent     bool    `json:"trigger_on_exit_intent"`
	ShowToReturningVisitors *bool   `json:"show_to_returning_visitors,omitempty"` // nil means true.
}

// ShowsToReturning reports whether returning visitors may see the campaign.
func (b BehaviorRules) ShowsToReturning() bool {
	return b.ShowToReturningVisitors == nil || *b.ShowToReturningVisitors
}

// HourRange is a local time-of-day window, "HH:MM" start inclusive, end exclusive.
// An end earlier than start wraps past midnight.
type HourRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ScheduleRules restrict a campaign to weekdays and hours in a timezone.
type ScheduleRules struct {
	Timezone    string      `json:"timezone"`     // IANA name; empty means UTC.
	ActiveDays  []int       `json:"active_days"`  // 0=Sunday..6=Saturday; empty means every day.
	ActiveHours []HourRange `json:"active_hours"` // empty means all day.
}

// TargetingRules is the persisted targeting configuration of a campaign. Every
// sub-rule defaults to "no restriction" except Devices, which must be non-empty.
//
// Rules are compiled once at the read boundary (ParseTargetingRules or
// Compile). A rule set that fails to compile keeps its error and the campaign
// never shows.
type TargetingRules struct {
	URLRules       URLRules      `json:"url_rules"`
	Countries      ListRule      `json:"countries"`
	Devices        DeviceSet     `json:"devices"`
	TrafficSources ListRule      `json:"traffic_sources"`
	Behavior       BehaviorRules `json:"behavior"`
	Schedule       ScheduleRules `json:"schedule"`

	compiled   *CompiledTargeting
	compileErr error
}

// DefaultTargetingRules returns the unrestricted rule set used for new campaigns.
func DefaultTargetingRules() TargetingRules {
	return TargetingRules{Devices: append(DeviceSet{}, AllDevices...)}
}

// Compile validates the rules and caches the compiled form on r. It is safe to
// call repeatedly; the result of the last call wins.
func (r *TargetingRules) Compile() error {
	r.compiled, r.compileErr = compileTargeting(*r)
	return r.compileErr
}

// Compiled returns the compiled rules. Rules that were never compiled are
// compiled on the fly without caching, so concurrent readers never write to r.
func (r TargetingRules) Compiled() (*CompiledTargeting, error) {
	if r.compiled != nil || r.compileErr != nil {
		return r.compiled, r.compileErr
	}
	return compileTargeting(r)
}

// Err returns the cached compile error, if any.
func (r TargetingRules) Err() error {
	return r.compileErr
}
