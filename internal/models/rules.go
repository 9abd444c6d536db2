package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidRule wraps every validation failure of a stored rule blob.
var ErrInvalidRule = errors.New("invalid rule")

// MaxMinTimeOnPage caps the time-on-page threshold of a behavior rule.
const MaxMinTimeOnPage = 24 * time.Hour

// maxPatternLength bounds glob patterns accepted from the dashboard.
const maxPatternLength = 2048

// DirectTraffic is the traffic-source token matching visits with no referrer.
const DirectTraffic = "direct"

func invalidRule(category, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidRule, category, fmt.Sprintf(format, args...))
}

// CompiledTargeting is the validated, ready-to-match form of TargetingRules.
type CompiledTargeting struct {
	URLInclude      []Pattern
	URLExclude      []Pattern
	CountryInclude  map[string]struct{}
	CountryExclude  map[string]struct{}
	Devices         DeviceSet
	ReferrerInclude []SourcePattern
	ReferrerExclude []SourcePattern
	Behavior        BehaviorRules
	Schedule        *CompiledSchedule
}

// ParseTargetingRules decodes a stored JSON rule blob and compiles it. A null
// or missing blob yields the unrestricted defaults. On error the returned rules
// still carry the error so evaluation fails closed.
func ParseTargetingRules(raw []byte) (TargetingRules, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		r := DefaultTargetingRules()
		return r, r.Compile()
	}
	var r TargetingRules
	if err := json.Unmarshal(trimmed, &r); err != nil {
		r = TargetingRules{compileErr: fmt.Errorf("%w: decode: %v", ErrInvalidRule, err)}
		return r, r.compileErr
	}
	return r, r.Compile()
}

func compileTargeting(r TargetingRules) (*CompiledTargeting, error) {
	var errs []error
	c := &CompiledTargeting{}

	if len(r.Devices) == 0 {
		errs = append(errs, fmt.Errorf("%w: devices: %w", ErrInvalidRule, ErrNoDevices))
	}
	for _, d := range r.Devices {
		if !d.IsValid() {
			errs = append(errs, invalidRule("devices", "unknown device %q", d))
			continue
		}
		if !c.Devices.Contains(d) {
			c.Devices = append(c.Devices, d)
		}
	}

	c.URLInclude, errs = compileURLPatterns("url_rules.include_urls", r.URLRules.IncludeURLs, errs)
	c.URLExclude, errs = compileURLPatterns("url_rules.exclude_urls", r.URLRules.ExcludeURLs, errs)

	c.CountryInclude, errs = compileCountries("countries.include", r.Countries.Include, errs)
	c.CountryExclude, errs = compileCountries("countries.exclude", r.Countries.Exclude, errs)

	c.ReferrerInclude, errs = compileSourcePatterns("traffic_sources.include", r.TrafficSources.Include, errs)
	c.ReferrerExclude, errs = compileSourcePatterns("traffic_sources.exclude", r.TrafficSources.Exclude, errs)

	c.Behavior = r.Behavior
	c.Behavior.MinTimeOnPageSeconds = clampFloat(c.Behavior.MinTimeOnPageSeconds, 0, MaxMinTimeOnPage.Seconds())
	c.Behavior.MinScrollDepthPercent = clampFloat(c.Behavior.MinScrollDepthPercent, 0, 100)

	sched, err := compileSchedule(r.Schedule)
	if err != nil {
		errs = append(errs, err)
	}
	c.Schedule = sched

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// clampFloat bounds v to [lo, hi]. NaN becomes lo.
func clampFloat(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func compileURLPatterns(category string, raw []string, errs []error) ([]Pattern, []error) {
	var out []Pattern
	for _, s := range raw {
		p, err := CompileURLPattern(s)
		if err != nil {
			errs = append(errs, invalidRule(category, "%v", err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func compileCountries(category string, raw []string, errs []error) (map[string]struct{}, []error) {
	if len(raw) == 0 {
		return nil, errs
	}
	out := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		code := strings.ToUpper(strings.TrimSpace(s))
		if len(code) != 2 || !isASCIILetters(code) {
			errs = append(errs, invalidRule(category, "bad country code %q", s))
			continue
		}
		out[code] = struct{}{}
	}
	return out, errs
}

func compileSourcePatterns(category string, raw []string, errs []error) ([]SourcePattern, []error) {
	var out []SourcePattern
	for _, s := range raw {
		p, err := CompileSourcePattern(s)
		if err != nil {
			errs = append(errs, invalidRule(category, "%v", err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func isASCIILetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Pattern is a compiled URL path glob.
type Pattern struct {
	Raw string
	re  *regexp.Regexp
}

// CompileURLPattern compiles a dashboard URL pattern. Patterns may be a path
// ("/blog/*/2024/*") or a full URL, in which case only the path is kept.
func CompileURLPattern(raw string) (Pattern, error) {
	s, err := checkPattern(raw)
	if err != nil {
		return Pattern{}, err
	}
	if i := strings.Index(s, "://"); i >= 0 {
		rest := s[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			s = rest[j:]
		} else {
			s = "/"
		}
	}
	if s != "*" && !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "*") {
		s = "/" + s
	}
	re, err := globRegexp(s, false)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Raw: raw, re: re}, nil
}

// Match reports whether the visitor path matches. Query strings and fragments
// on the path are ignored.
func (p Pattern) Match(path string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(NormalizePath(path))
}

// NormalizePath strips query and fragment and guarantees a leading slash.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func checkPattern(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty pattern")
	}
	if len(s) > maxPatternLength {
		return "", fmt.Errorf("pattern longer than %d bytes", maxPatternLength)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("pattern %q contains whitespace or control characters", raw)
		}
	}
	return s, nil
}

// globRegexp turns a '*' glob into an anchored regexp. '*' spans path separators.
func globRegexp(glob string, foldCase bool) (*regexp.Regexp, error) {
	parts := strings.Split(glob, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	expr := "^" + strings.Join(parts, ".*") + "$"
	if foldCase {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// SourcePattern matches a referrer. Accepted forms are the DirectTraffic token,
// a host ("google.com", also matching subdomains), a host glob
// ("*.facebook.com") or a host-and-path glob ("news.ycombinator.com/item*").
type SourcePattern struct {
	Raw      string
	direct   bool
	hostOnly bool
	host     string
	re       *regexp.Regexp
}

// CompileSourcePattern compiles a traffic-source pattern.
func CompileSourcePattern(raw string) (SourcePattern, error) {
	s, err := checkPattern(raw)
	if err != nil {
		return SourcePattern{}, err
	}
	s = strings.ToLower(s)
	if s == DirectTraffic {
		return SourcePattern{Raw: raw, direct: true}, nil
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	sp := SourcePattern{Raw: raw}
	if strings.IndexByte(s, '/') < 0 {
		sp.hostOnly = true
		if !strings.Contains(s, "*") {
			sp.host = s
			return sp, nil
		}
	}
	re, err := globRegexp(s, true)
	if err != nil {
		return SourcePattern{}, err
	}
	sp.re = re
	return sp, nil
}

// Match reports whether the referrer matches the pattern.
func (p SourcePattern) Match(referrer string) bool {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return p.direct
	}
	if p.direct {
		return false
	}
	host, path := splitReferrer(referrer)
	bare := strings.TrimPrefix(host, "www.")
	switch {
	case p.hostOnly && p.host != "":
		return bare == p.host || strings.HasSuffix(host, "."+p.host)
	case p.hostOnly:
		return p.re.MatchString(host) || p.re.MatchString(bare)
	default:
		return p.re.MatchString(host+path) || p.re.MatchString(bare+path)
	}
}

// splitReferrer returns the lower-cased host and the escaped path of ref.
func splitReferrer(ref string) (host, path string) {
	if !strings.Contains(ref, "://") {
		ref = "http://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return strings.ToLower(ref), ""
	}
	host = strings.ToLower(u.Hostname())
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return host, path
}

type minuteRange struct {
	start, end int // minutes since local midnight, end exclusive
}

// CompiledSchedule answers whether a campaign is active at an instant.
type CompiledSchedule struct {
	Location *time.Location
	allDays  bool
	days     [7]bool
	ranges   []minuteRange
}

func compileSchedule(s ScheduleRules) (*CompiledSchedule, error) {
	cs := &CompiledSchedule{Location: time.UTC, allDays: len(s.ActiveDays) == 0}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, invalidRule("schedule.timezone", "%q: %v", tz, err)
		}
		cs.Location = loc
	}
	for _, d := range s.ActiveDays {
		if d < 0 || d > 6 {
			return nil, invalidRule("schedule.active_days", "day %d out of range 0-6", d)
		}
		cs.days[d] = true
	}
	for _, h := range s.ActiveHours {
		start, err := parseClock(h.Start, false)
		if err != nil {
			return nil, invalidRule("schedule.active_hours", "start %q: %v", h.Start, err)
		}
		end, err := parseClock(h.End, true)
		if err != nil {
			return nil, invalidRule("schedule.active_hours", "end %q: %v", h.End, err)
		}
		switch {
		case start == end:
			return nil, invalidRule("schedule.active_hours", "empty range %s-%s", h.Start, h.End)
		case start < end:
			cs.ranges = append(cs.ranges, minuteRange{start, end})
		default:
			cs.ranges = append(cs.ranges, minuteRange{start, 24 * 60}, minuteRange{0, end})
		}
	}
	return cs, nil
}

// parseClock parses "HH:MM". "24:00" is only accepted as an end bound.
func parseClock(s string, isEnd bool) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM")
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("bad hour")
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute")
	}
	if h == 24 && m == 0 && isEnd {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour")
	}
	return h*60 + m, nil
}

// Active reports whether t falls on an active day and inside an active hour
// range, both evaluated in the schedule's timezone.
func (s *CompiledSchedule) Active(t time.Time) bool {
	if s == nil {
		return true
	}
	local := t.In(s.Location)
	if !s.allDays && !s.days[int(local.Weekday())] {
		return false
	}
	if len(s.ranges) == 0 {
		return true
	}
	minute := local.Hour()*60 + local.Minute()
	for _, r := range s.ranges {
		if minute >= r.start && minute < r.end {
			return true
		}
	}
	return false
}
