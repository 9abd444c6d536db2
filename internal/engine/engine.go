package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	filters "github.com/patrickwarner/proofserve/internal/logic/filters"
	"github.com/patrickwarner/proofserve/internal/logic/selectors"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

var tracer = observability.GetTracer("proofserve/engine")

// State is the position of a session in the display cycle.
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateDisplaying State = "displaying"
	StateCooldown   State = "cooldown"
)

// PageResetMode decides which navigations start a new page for the per-page
// counters.
type PageResetMode string

const (
	// ResetOnNavigation resets on every navigation, SPA route changes included.
	ResetOnNavigation PageResetMode = "navigation"
	// ResetOnReload resets only on full document loads.
	ResetOnReload PageResetMode = "reload"
)

// ParsePageResetMode validates a reset mode name. Empty means ResetOnNavigation.
func ParsePageResetMode(s string) (PageResetMode, error) {
	switch PageResetMode(s) {
	case "", ResetOnNavigation:
		return ResetOnNavigation, nil
	case ResetOnReload:
		return ResetOnReload, nil
	default:
		return "", fmt.Errorf("unknown page reset mode %q", s)
	}
}

// DefaultPlanTimeout is how long after its display window ends an
// unacknowledged plan is dropped.
const DefaultPlanTimeout = 30 * time.Second

// Snapshot is the complete, serializable state of one session's loop.
type Snapshot struct {
	SessionID string              `json:"session_id"`
	WebsiteID string              `json:"website_id"`
	State     State               `json:"state"`
	Session   *logic.SessionState `json:"session"`
	// Plan is the display handed to the renderer and not yet acknowledged.
	Plan *models.ScheduledDisplay `json:"plan,omitempty"`
	// LastDisplay is the most recent confirmed display, used to attribute clicks.
	LastDisplay *models.ScheduledDisplay `json:"last_display,omitempty"`
	// Visitor is the latest clamped visitor context.
	Visitor          models.VisitorContext `json:"visitor"`
	PrevExitIntent   bool                  `json:"prev_exit_intent"`
	ExitIntentEdge   bool                  `json:"exit_intent_edge"`
	NextEvaluationAt time.Time             `json:"next_evaluation_at,omitempty"`
	PageViews        int                   `json:"page_views"`
	UpdatedAt        time.Time             `json:"updated_at,omitempty"`
}

// NewSnapshot returns the state of a freshly started session.
func NewSnapshot(sessionID, websiteID string) Snapshot {
	return Snapshot{
		SessionID: sessionID,
		WebsiteID: websiteID,
		State:     StateIdle,
		Session:   logic.NewSessionState(),
		PageViews: 1,
	}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Session = s.Session.Clone()
	out.Plan = copyPlan(s.Plan)
	out.LastDisplay = copyPlan(s.LastDisplay)
	return out
}

func copyPlan(p *models.ScheduledDisplay) *models.ScheduledDisplay {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// TickResult describes what one evaluation tick decided.
type TickResult struct {
	State State `json:"state"`
	// Plan is the display the renderer should show; nil when there is none.
	Plan *models.ScheduledDisplay `json:"plan"`
	// Fresh is true when Plan was selected on this tick rather than carried over.
	Fresh            bool                           `json:"fresh"`
	Pending          []filters.PendingCandidate     `json:"pending,omitempty"`
	Rejected         map[string]models.RuleCategory `json:"rejected,omitempty"`
	NextEvaluationAt time.Time                      `json:"next_evaluation_at,omitempty"`
	// Err collects failures applying queued events. The tick still runs.
	Err error `json:"-"`
}

// Engine runs the display cycle of one session:
// IDLE -> EVALUATING -> DISPLAYING -> COOLDOWN -> EVALUATING ...
//
// It is single-threaded. Host callbacks are queued with Enqueue and applied
// in order at the start of the next Tick.
type Engine struct {
	snap                 Snapshot
	queue                []Event
	reporter             Reporter
	filter               *filters.SinglePassFilter
	metrics              observability.MetricsRegistry
	logger               *zap.Logger
	resetMode            PageResetMode
	defaultMaxPerSession int
	planTimeout          time.Duration
	clock                func() time.Time
	logSampleRate        float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sets the display and click reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m observability.MetricsRegistry) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPageResetMode sets when per-page counters reset.
func WithPageResetMode(m PageResetMode) Option {
	return func(e *Engine) { e.resetMode = m }
}

// WithDefaultMaxPerSession sets the session cap used for playlists that
// arrive without a valid one.
func WithDefaultMaxPerSession(n int) Option {
	return func(e *Engine) { e.defaultMaxPerSession = n }
}

// WithPlanTimeout sets how long an unacknowledged plan survives after its
// display window.
func WithPlanTimeout(d time.Duration) Option {
	return func(e *Engine) { e.planTimeout = d }
}

// WithClock sets the time source used when the host supplied no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New restores an engine from snap. Use NewSnapshot for a new session.
func New(snap Snapshot, opts ...Option) *Engine {
	e := &Engine{
		snap:                 snap.Clone(),
		reporter:             NopReporter{},
		metrics:              observability.NewNoOpRegistry(),
		logger:               zap.NewNop(),
		resetMode:            ResetOnNavigation,
		defaultMaxPerSession: models.DefaultMaxPerSession,
		planTimeout:          DefaultPlanTimeout,
		clock:                time.Now,
		logSampleRate:        observability.GetSamplingRate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.snap.State == "" {
		e.snap.State = StateIdle
	}
	e.filter = filters.NewSinglePassFilter(e.metrics, e.logger)
	return e
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	return e.snap.Clone()
}

// State returns the current cycle state.
func (e *Engine) State() State {
	return e.snap.State
}

// Enqueue appends events to the input queue.
func (e *Engine) Enqueue(events ...Event) {
	e.queue = append(e.queue, events...)
}

// Process drains the input queue in order. Events that cannot be applied are
// skipped; their errors are joined in the result.
func (e *Engine) Process(ctx context.Context) error {
	var errs []error
	for len(e.queue) > 0 {
		ev := e.queue[0]
		e.queue = e.queue[1:]
		if err := e.Apply(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.Type, err))
		}
	}
	e.queue = nil
	return errors.Join(errs...)
}

// Apply applies a single event immediately.
func (e *Engine) Apply(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventContext:
		if ev.Context == nil {
			return ErrMissingContext
		}
		e.applyContext(*ev.Context)
		return nil
	case EventNavigate:
		e.applyNavigate(ev)
		return nil
	case EventShown:
		return e.applyShown(ctx, ev)
	case EventDiscarded:
		return e.applyDiscarded(ev)
	case EventClicked:
		return e.applyClicked(ctx, ev)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func (e *Engine) now() time.Time {
	if !e.snap.Visitor.Now.IsZero() {
		return e.snap.Visitor.Now
	}
	return e.clock()
}

func (e *Engine) eventTime(ev Event) time.Time {
	if !ev.At.IsZero() {
		return ev.At
	}
	return e.now()
}

// applyContext stores a new visitor context. Values that go backwards within
// a page view are clamped so one bad tick cannot stall the loop, and a
// false-to-true exit intent transition arms the edge until the next evaluation.
func (e *Engine) applyContext(vc models.VisitorContext) {
	prev := e.snap.Visitor
	if vc.Now.IsZero() {
		vc.Now = e.clock()
	}
	if vc.Now.Before(prev.Now) {
		vc.Now = prev.Now
	}
	vc.TimeOnPage = math.Max(nonNegative(vc.TimeOnPage), prev.TimeOnPage)
	vc.ScrollDepth = math.Min(math.Max(nonNegative(vc.ScrollDepth), prev.ScrollDepth), 100)

	if vc.ExitIntent && !e.snap.PrevExitIntent {
		e.snap.ExitIntentEdge = true
	}
	e.snap.PrevExitIntent = vc.ExitIntent
	vc.ExitIntentEdge = false
	e.snap.Visitor = vc
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// applyNavigate starts a new page view. Behavior baselines always reset; the
// per-page counters and the display cycle reset according to the page reset
// mode.
func (e *Engine) applyNavigate(ev Event) {
	e.snap.PageViews++
	e.snap.Visitor.TimeOnPage = 0
	e.snap.Visitor.ScrollDepth = 0
	e.snap.Visitor.ExitIntent = false
	e.snap.PrevExitIntent = false
	e.snap.ExitIntentEdge = false
	if !ev.At.IsZero() && ev.At.After(e.snap.Visitor.Now) {
		e.snap.Visitor.Now = ev.At
	}

	if e.resetMode == ResetOnReload && !ev.FullReload {
		return
	}
	e.snap.Session.ResetPage()
	// The renderer went away with the old page; an unacknowledged plan costs
	// nothing.
	e.snap.Plan = nil
	e.snap.State = StateIdle
	e.snap.NextEvaluationAt = time.Time{}
}

func (e *Engine) matchPlan(displayID string) (*models.ScheduledDisplay, error) {
	if e.snap.State != StateDisplaying || e.snap.Plan == nil {
		return nil, ErrStaleDisplay
	}
	if displayID != "" && displayID != e.snap.Plan.DisplayID {
		return nil, ErrStaleDisplay
	}
	return e.snap.Plan, nil
}

// applyShown is the DISPLAYING -> COOLDOWN transition. Counters move here and
// nowhere else; the report is sent after local state is updated.
func (e *Engine) applyShown(ctx context.Context, ev Event) error {
	plan, err := e.matchPlan(ev.DisplayID)
	if err != nil {
		return err
	}
	at := e.eventTime(ev)
	e.snap.Session.RecordDisplay(plan.CampaignID, at)
	e.snap.LastDisplay = plan
	e.snap.Plan = nil
	e.snap.State = StateCooldown
	e.snap.NextEvaluationAt = at.Add(time.Duration(plan.DisplayDurationMS+plan.IntervalMS) * time.Millisecond)
	e.metrics.IncrementEvent("display")

	e.reporter.ReportDisplay(ctx, models.DisplayEvent{
		EventID:    plan.DisplayID,
		SessionID:  e.snap.SessionID,
		WebsiteID:  e.snap.WebsiteID,
		CampaignID: plan.CampaignID,
		Path:       models.NormalizePath(e.snap.Visitor.Path),
		Device:     e.snap.Visitor.Device,
		Country:    e.snap.Visitor.Country,
		At:         at,
	})
	return nil
}

// applyDiscarded returns to IDLE without consuming quota.
func (e *Engine) applyDiscarded(ev Event) error {
	if _, err := e.matchPlan(ev.DisplayID); err != nil {
		return err
	}
	e.snap.Plan = nil
	e.snap.State = StateIdle
	e.snap.NextEvaluationAt = time.Time{}
	e.metrics.IncrementEvent("discard")
	return nil
}

// applyClicked attributes a click to a confirmed display and reports it. The
// cycle state does not change.
func (e *Engine) applyClicked(ctx context.Context, ev Event) error {
	if ev.DisplayID == "" {
		return ErrStaleDisplay
	}
	campaignID := ""
	switch {
	case e.snap.LastDisplay != nil && e.snap.LastDisplay.DisplayID == ev.DisplayID:
		campaignID = e.snap.LastDisplay.CampaignID
	case ev.CampaignID != "" && e.snap.Session.ShownThisSession(ev.CampaignID):
		campaignID = ev.CampaignID
	default:
		return ErrStaleDisplay
	}
	e.metrics.IncrementEvent("click")
	e.reporter.ReportClick(ctx, models.ClickEvent{
		EventID:    ev.DisplayID,
		SessionID:  e.snap.SessionID,
		WebsiteID:  e.snap.WebsiteID,
		CampaignID: campaignID,
		At:         e.eventTime(ev),
	})
	return nil
}

// Tick drains the event queue and advances the cycle using the given campaign
// snapshot and playlist rules.
func (e *Engine) Tick(ctx context.Context, campaigns []models.Campaign, rules models.PlaylistRules) TickResult {
	return e.TickWithTrace(ctx, campaigns, rules, nil)
}

// TickWithTrace behaves like Tick and records filtering and selection steps
// in trace.
func (e *Engine) TickWithTrace(ctx context.Context, campaigns []models.Campaign, rules models.PlaylistRules, trace *logic.SelectionTrace) TickResult {
	ctx, span := tracer.Start(ctx, "engine.Tick")
	defer span.End()

	res := TickResult{Err: e.Process(ctx)}
	now := e.now()
	e.snap.UpdatedAt = now

	switch e.snap.State {
	case StateDisplaying:
		if e.planExpired(now) {
			e.logger.Debug("dropping unacknowledged plan",
				zap.String("session_id", e.snap.SessionID),
				zap.String("display_id", e.snap.Plan.DisplayID))
			e.snap.Plan = nil
			e.snap.State = StateIdle
			break
		}
		res.State = StateDisplaying
		res.Plan = copyPlan(e.snap.Plan)
		e.metrics.IncrementEvaluations(string(StateDisplaying))
		span.SetAttributes(attribute.String("engine.outcome", string(StateDisplaying)))
		return res
	case StateCooldown:
		if now.Before(e.snap.NextEvaluationAt) {
			res.State = StateCooldown
			res.NextEvaluationAt = e.snap.NextEvaluationAt
			e.metrics.IncrementEvaluations(string(StateCooldown))
			span.SetAttributes(attribute.String("engine.outcome", string(StateCooldown)))
			return res
		}
	}

	e.snap.State = StateEvaluating
	rules = e.normalizeRules(rules)

	// An exit intent edge stays armed through DISPLAYING and COOLDOWN and is
	// consumed by the first evaluation that sees it.
	vc := e.snap.Visitor
	vc.Now = now
	vc.ExitIntentEdge = e.snap.ExitIntentEdge
	e.snap.ExitIntentEdge = false

	fr := e.filter.FilterWithTrace(campaigns, vc, e.snap.Session, rules, trace)
	res.Pending = fr.Pending
	res.Rejected = fr.Rejected

	plan := selectors.SelectNextWithTrace(fr.Candidates, rules, e.snap.Session, now, trace)
	outcome := "plan"
	if plan == nil {
		e.snap.State = StateIdle
		e.snap.NextEvaluationAt = fr.WakeAt
		outcome = "idle"
		if len(fr.Pending) > 0 {
			outcome = "pending"
		}
	} else {
		e.snap.State = StateDisplaying
		e.snap.Plan = plan
		e.snap.NextEvaluationAt = time.Time{}
		res.Fresh = true
	}

	res.State = e.snap.State
	res.Plan = copyPlan(e.snap.Plan)
	res.NextEvaluationAt = e.snap.NextEvaluationAt
	e.metrics.IncrementEvaluations(outcome)
	span.SetAttributes(
		attribute.String("engine.outcome", outcome),
		attribute.Int("engine.campaigns", len(campaigns)),
		attribute.Int("engine.candidates", len(fr.Candidates)),
	)
	return res
}

// normalizeRules applies playlist defaults. Callers that did not go through
// models.ParsePlaylistRules get their corrections logged here, sampled since
// it runs on every evaluation.
func (e *Engine) normalizeRules(rules models.PlaylistRules) models.PlaylistRules {
	rules, warnings := rules.Normalize(e.defaultMaxPerSession)
	if len(warnings) > 0 && observability.ShouldSample(e.logSampleRate) {
		for _, w := range warnings {
			e.logger.Warn("playlist rules corrected",
				zap.String("website_id", e.snap.WebsiteID),
				zap.String("detail", w))
		}
	}
	return rules
}

func (e *Engine) planExpired(now time.Time) bool {
	p := e.snap.Plan
	if p == nil {
		return true
	}
	if e.planTimeout <= 0 {
		return false
	}
	window := time.Duration(p.InitialDelayMS+p.DisplayDurationMS)*time.Millisecond + e.planTimeout
	return now.Sub(p.SelectedAt) > window
}
