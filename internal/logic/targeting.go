package logic

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/proofserve/internal/models"
)

// EligibilityResult is the outcome of evaluating one campaign's targeting
// rules against a visitor context.
type EligibilityResult struct {
	Eligible bool                `json:"eligible"`
	Reason   models.RuleCategory `json:"reason,omitempty"`
	// Pending marks a soft failure: the behavior thresholds are not met yet but
	// may be later in the same page view. The caller keeps polling.
	Pending bool `json:"pending,omitempty"`
	// ReadyAt is the earliest instant the behavior gate can pass, when that is
	// predictable from time on page alone.
	ReadyAt time.Time `json:"ready_at,omitempty"`
	// Err is the configuration error behind a RuleConfig failure.
	Err error `json:"-"`
}

func reject(reason models.RuleCategory) EligibilityResult {
	return EligibilityResult{Reason: reason}
}

// Evaluate tests rules against ctx. Categories are checked in a fixed order
// and the first failure is reported. Evaluate is pure and never panics on bad
// configuration; invalid rules fail closed with RuleConfig.
func Evaluate(rules models.TargetingRules, ctx models.VisitorContext) EligibilityResult {
	c, err := rules.Compiled()
	if err != nil || c == nil {
		return EligibilityResult{Reason: models.RuleConfig, Err: err}
	}

	if !c.Devices.Contains(ctx.Device) {
		return reject(models.RuleDevice)
	}

	if len(c.URLExclude) > 0 || len(c.URLInclude) > 0 {
		path := models.NormalizePath(ctx.Path)
		for _, p := range c.URLExclude {
			if p.Match(path) {
				return reject(models.RuleURLExclude)
			}
		}
		if len(c.URLInclude) > 0 && !matchAnyPattern(c.URLInclude, path) {
			return reject(models.RuleURLInclude)
		}
	}

	country := strings.ToUpper(strings.TrimSpace(ctx.Country))
	if _, ok := c.CountryExclude[country]; ok && country != "" {
		return reject(models.RuleCountryExclude)
	}
	if len(c.CountryInclude) > 0 {
		if _, ok := c.CountryInclude[country]; !ok {
			return reject(models.RuleCountryInclude)
		}
	}

	for _, p := range c.ReferrerExclude {
		if p.Match(ctx.Referrer) {
			return reject(models.RuleReferrerExclude)
		}
	}
	if len(c.ReferrerInclude) > 0 && !matchAnySource(c.ReferrerInclude, ctx.Referrer) {
		return reject(models.RuleReferrerInclude)
	}

	if !c.Schedule.Active(ctx.Now) {
		return reject(models.RuleSchedule)
	}

	if ctx.Returning && !c.Behavior.ShowsToReturning() {
		return reject(models.RuleReturning)
	}

	if res, ok := behaviorGate(c.Behavior, ctx); !ok {
		return res
	}

	if c.Behavior.TriggerOnExitIntent && !ctx.ExitIntentEdge {
		return reject(models.RuleExitIntent)
	}

	return EligibilityResult{Eligible: true}
}

// behaviorGate applies the soft time-on-page and scroll-depth thresholds.
// Negative or NaN inputs from the host page are clamped to zero.
func behaviorGate(b models.BehaviorRules, ctx models.VisitorContext) (EligibilityResult, bool) {
	top := clampNonNegative(ctx.TimeOnPage)
	scroll := clampNonNegative(ctx.ScrollDepth)

	timeMet := top >= b.MinTimeOnPageSeconds
	scrollMet := scroll >= b.MinScrollDepthPercent
	if timeMet && scrollMet {
		return EligibilityResult{}, true
	}

	res := EligibilityResult{Reason: models.RuleBehavior, Pending: true}
	// Scroll depth depends on the visitor; only a pure time wait is predictable.
	if scrollMet && !ctx.Now.IsZero() {
		need := math.Min(b.MinTimeOnPageSeconds, models.MaxMinTimeOnPage.Seconds()) - top
		wait := time.Duration(math.Ceil(need * float64(time.Second)))
		res.ReadyAt = ctx.Now.Add(wait)
	}
	return res, false
}

func clampNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func matchAnyPattern(patterns []models.Pattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}

func matchAnySource(patterns []models.SourcePattern, referrer string) bool {
	for _, p := range patterns {
		if p.Match(referrer) {
			return true
		}
	}
	return false
}

// ResolveDevice maps a raw User-Agent string to a device class using the
// uasurfer library. Unclassified agents count as desktop.
func ResolveDevice(uaString string) models.Device {
	u := uasurfer.Parse(uaString)
	switch u.DeviceType {
	case uasurfer.DevicePhone, uasurfer.DeviceWearable:
		return models.DeviceMobile
	case uasurfer.DeviceTablet:
		return models.DeviceTablet
	default:
		return models.DeviceDesktop
	}
}

// IsBot reports whether the User-Agent belongs to a crawler. Bots never get a
// display plan.
func IsBot(uaString string) bool {
	if uaString == "" {
		return false
	}
	return uasurfer.Parse(uaString).IsBot()
}

// CountryLookup resolves an IP address to an ISO country code.
type CountryLookup interface {
	Country(ip net.IP) string
}

// ClientIP extracts the visitor IP, preferring the first X-Forwarded-For hop.
func ClientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr == "" {
		ipStr = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ipStr); err == nil {
			ipStr = host
		}
	} else if idx := strings.Index(ipStr, ","); idx != -1 {
		ipStr = ipStr[:idx]
	}
	return net.ParseIP(strings.TrimSpace(ipStr))
}

// ResolveVisitorFromRequest fills the device and country of vc from the HTTP
// request when the host page did not report them. Host-supplied values win.
func ResolveVisitorFromRequest(r *http.Request, geo CountryLookup, vc models.VisitorContext) models.VisitorContext {
	if !vc.Device.IsValid() {
		vc.Device = ResolveDevice(r.Header.Get("User-Agent"))
	}
	if vc.Country == "" && geo != nil {
		if ip := ClientIP(r); ip != nil {
			vc.Country = geo.Country(ip)
		}
	}
	return vc
}
