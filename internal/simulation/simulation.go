// Package simulation replays scripted visits against the session engine. It
// backs the simulate command and the operator tools of the MCP server.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/patrickwarner/proofserve/internal/engine"
	"github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/logic/filters"
	"github.com/patrickwarner/proofserve/internal/logic/selectors"
	"github.com/patrickwarner/proofserve/internal/models"
)

// Step actions.
const (
	ActionTick     = "tick"
	ActionShown    = "shown"
	ActionDiscard  = "discard"
	ActionClick    = "click"
	ActionNavigate = "navigate"
	ActionReload   = "reload"
)

// Scenario is a scripted visit: the website configuration plus the host
// events in order.
type Scenario struct {
	Name          string         `json:"name"`
	WebsiteID     string         `json:"website_id"`
	Start         time.Time      `json:"start"`
	PageResetMode string         `json:"page_reset_mode"`
	Visitor       VisitorSpec    `json:"visitor"`
	Campaigns     []CampaignSpec `json:"campaigns"`
	Playlist      json.RawMessage `json:"playlist"`
	Steps         []Step         `json:"steps"`
}

// VisitorSpec overrides fields of the visitor context. Nil fields keep their
// previous value.
type VisitorSpec struct {
	Path        *string  `json:"path"`
	Referrer    *string  `json:"referrer"`
	Device      *string  `json:"device"`
	Country     *string  `json:"country"`
	TimeOnPage  *float64 `json:"time_on_page"`
	ScrollDepth *float64 `json:"scroll_depth"`
	ExitIntent  *bool    `json:"exit_intent"`
	Returning   *bool    `json:"returning"`
}

func (v VisitorSpec) apply(vc models.VisitorContext) models.VisitorContext {
	if v.Path != nil {
		vc.Path = *v.Path
	}
	if v.Referrer != nil {
		vc.Referrer = *v.Referrer
	}
	if v.Device != nil {
		vc.Device = models.Device(*v.Device)
	}
	if v.Country != nil {
		vc.Country = *v.Country
	}
	if v.TimeOnPage != nil {
		vc.TimeOnPage = *v.TimeOnPage
	}
	if v.ScrollDepth != nil {
		vc.ScrollDepth = *v.ScrollDepth
	}
	if v.ExitIntent != nil {
		vc.ExitIntent = *v.ExitIntent
	}
	if v.Returning != nil {
		vc.Returning = *v.Returning
	}
	return vc
}

// CampaignSpec is a campaign as written in a scenario file. Targeting rules
// go through the same parser as stored rows.
type CampaignSpec struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Active         *bool                  `json:"active"`
	Priority       int                    `json:"priority"`
	CreatedAt      time.Time              `json:"created_at"`
	Display        models.DisplaySettings `json:"display"`
	TargetingRules json.RawMessage        `json:"targeting_rules"`
}

// InitialVisitor is the visitor context at the start of the scenario.
func (sc Scenario) InitialVisitor() models.VisitorContext {
	vc := sc.Visitor.apply(models.VisitorContext{Device: models.DeviceDesktop, Path: "/"})
	vc.Now = sc.Start
	return vc
}

// Step advances the clock by After and then performs Action. Visitor changes
// are applied before the action.
type Step struct {
	After   string      `json:"after"`
	Action  string      `json:"action"`
	Visitor VisitorSpec `json:"visitor"`
}

// Outcome records what one step did.
type Outcome struct {
	Step             int                            `json:"step"`
	Action           string                         `json:"action"`
	At               time.Time                      `json:"at"`
	State            engine.State                   `json:"state"`
	CampaignID       string                         `json:"campaign_id,omitempty"`
	DisplayID        string                         `json:"display_id,omitempty"`
	NextEvaluationAt time.Time                      `json:"next_evaluation_at,omitempty"`
	Pending          []string                       `json:"pending,omitempty"`
	Rejected         map[string]models.RuleCategory `json:"rejected,omitempty"`
	Error            string                         `json:"error,omitempty"`
}

// Result is the full replay of a scenario.
type Result struct {
	Scenario string    `json:"scenario"`
	Outcomes []Outcome `json:"outcomes"`
	Displays []string  `json:"displays"`
	Clicks   int       `json:"clicks"`
}

// ParseScenario decodes a YAML (or JSON) scenario. YAML is normalized through
// JSON so the models' field names apply unchanged.
func ParseScenario(data []byte) (Scenario, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return Scenario{}, fmt.Errorf("normalize scenario: %w", err)
	}
	var sc Scenario
	if err := json.Unmarshal(j, &sc); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if sc.WebsiteID == "" {
		sc.WebsiteID = "site-1"
	}
	if sc.Start.IsZero() {
		sc.Start = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	for i, st := range sc.Steps {
		if _, err := st.delay(); err != nil {
			return Scenario{}, fmt.Errorf("step %d: %w", i, err)
		}
		switch st.Action {
		case ActionTick, ActionShown, ActionDiscard, ActionClick, ActionNavigate, ActionReload:
		default:
			return Scenario{}, fmt.Errorf("step %d: unknown action %q", i, st.Action)
		}
	}
	return sc, nil
}

func (s Step) delay() (time.Duration, error) {
	if s.After == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.After)
	if err != nil {
		return 0, fmt.Errorf("after: %w", err)
	}
	if d < 0 {
		return 0, errors.New("after must not be negative")
	}
	return d, nil
}

// BuildCampaigns builds the scenario's campaigns. Invalid targeting rules are
// logged and the campaign is kept so it fails closed like a stored row.
func (sc Scenario) BuildCampaigns(logger *zap.Logger) []models.Campaign {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]models.Campaign, 0, len(sc.Campaigns))
	for i, cs := range sc.Campaigns {
		rules, err := models.ParseTargetingRules(cs.TargetingRules)
		if err != nil {
			logger.Warn("campaign targeting rules invalid; campaign will not show",
				zap.String("campaign_id", cs.ID), zap.Error(err))
		}
		created := cs.CreatedAt
		if created.IsZero() {
			created = sc.Start.Add(-time.Duration(len(sc.Campaigns)-i) * time.Hour)
		}
		out = append(out, models.Campaign{
			ID:             cs.ID,
			WebsiteID:      sc.WebsiteID,
			Name:           cs.Name,
			Type:           cs.Type,
			Active:         cs.Active == nil || *cs.Active,
			TargetingRules: rules,
			Display:        cs.Display.Normalize(),
			Priority:       cs.Priority,
			CreatedAt:      created,
		})
	}
	return out
}

// PlaylistRules parses the scenario's playlist block.
func (sc Scenario) PlaylistRules(defaultMaxPerSession int, logger *zap.Logger) models.PlaylistRules {
	rules, _ := models.ParsePlaylistRules(sc.Playlist, defaultMaxPerSession, logger)
	return rules
}

type countingReporter struct {
	displays []string
	clicks   int
}

func (c *countingReporter) ReportDisplay(_ context.Context, ev models.DisplayEvent) {
	c.displays = append(c.displays, ev.CampaignID)
}

func (c *countingReporter) ReportClick(context.Context, models.ClickEvent) {
	c.clicks++
}

// Run replays sc. Step errors (for example a shown without a plan) are
// recorded on the outcome; only invalid scenarios fail the run.
func Run(ctx context.Context, sc Scenario, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := engine.ParsePageResetMode(sc.PageResetMode)
	if err != nil {
		return Result{}, err
	}
	campaigns := sc.BuildCampaigns(logger)
	rules := sc.PlaylistRules(models.DefaultMaxPerSession, logger)

	rep := &countingReporter{}
	eng := engine.New(engine.NewSnapshot("sim-"+sc.Name, sc.WebsiteID),
		engine.WithReporter(rep),
		engine.WithLogger(logger),
		engine.WithPageResetMode(mode),
	)

	now := sc.Start
	vc := sc.InitialVisitor()
	res := Result{Scenario: sc.Name, Outcomes: make([]Outcome, 0, len(sc.Steps))}

	for i, st := range sc.Steps {
		d, err := st.delay()
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", i, err)
		}
		now = now.Add(d)
		vc = st.Visitor.apply(vc)
		vc.Now = now
		out := Outcome{Step: i, Action: st.Action, At: now}

		// The page-level inputs restart with every navigation.
		if st.Action == ActionNavigate || st.Action == ActionReload {
			if err := eng.Apply(ctx, engine.NavigateEvent(st.Action == ActionReload, now)); err != nil {
				out.Error = err.Error()
			}
			vc.TimeOnPage, vc.ScrollDepth, vc.ExitIntent = 0, 0, false
			vc = st.Visitor.apply(vc)
			out.State = eng.State()
			res.Outcomes = append(res.Outcomes, out)
			continue
		}

		var stepErr error
		switch st.Action {
		case ActionTick:
			eng.Enqueue(engine.ContextEvent(vc))
			tr := eng.Tick(ctx, campaigns, rules)
			stepErr = tr.Err
			if tr.Plan != nil {
				out.CampaignID = tr.Plan.CampaignID
				out.DisplayID = tr.Plan.DisplayID
			}
			out.NextEvaluationAt = tr.NextEvaluationAt
			for _, p := range tr.Pending {
				out.Pending = append(out.Pending, p.CampaignID)
			}
			out.Rejected = tr.Rejected
		case ActionShown:
			stepErr = eng.Apply(ctx, engine.ShownEvent("", now))
		case ActionDiscard:
			stepErr = eng.Apply(ctx, engine.DiscardedEvent("", now))
		case ActionClick:
			last := eng.Snapshot().LastDisplay
			if last == nil {
				stepErr = engine.ErrStaleDisplay
			} else {
				stepErr = eng.Apply(ctx, engine.ClickedEvent(last.DisplayID, last.CampaignID, now))
			}
		}
		if stepErr != nil {
			out.Error = stepErr.Error()
		}
		out.State = eng.State()
		if out.NextEvaluationAt.IsZero() {
			out.NextEvaluationAt = eng.Snapshot().NextEvaluationAt
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	res.Displays = rep.displays
	res.Clicks = rep.clicks
	return res, nil
}

// Display is one notification shown during a playthrough.
type Display struct {
	CampaignID string    `json:"campaign_id"`
	At         time.Time `json:"at"`
}

// Playthrough lets a visitor sit on one page and acknowledges every plan,
// returning the sequence the playlist produces. It stops after maxDisplays
// displays, or once nothing can become eligible.
func Playthrough(ctx context.Context, campaigns []models.Campaign, rules models.PlaylistRules, vc models.VisitorContext, start time.Time, maxDisplays int) []Display {
	eng := engine.New(engine.NewSnapshot("playthrough", ""))
	now := start
	base := vc.TimeOnPage
	var shown []Display
	for guard := 0; len(shown) < maxDisplays && guard < maxDisplays*4+4; guard++ {
		vc.Now = now
		vc.TimeOnPage = base + now.Sub(start).Seconds()
		eng.Enqueue(engine.ContextEvent(vc))
		tr := eng.Tick(ctx, campaigns, rules)
		if tr.Plan != nil {
			at := now.Add(time.Duration(tr.Plan.InitialDelayMS) * time.Millisecond)
			if err := eng.Apply(ctx, engine.ShownEvent(tr.Plan.DisplayID, at)); err != nil {
				break
			}
			shown = append(shown, Display{CampaignID: tr.Plan.CampaignID, At: at})
			now = eng.Snapshot().NextEvaluationAt
			continue
		}
		if tr.NextEvaluationAt.IsZero() || !tr.NextEvaluationAt.After(now) {
			break
		}
		now = tr.NextEvaluationAt
	}
	return shown
}

// CampaignReport explains one campaign's eligibility for a visitor.
type CampaignReport struct {
	CampaignID  string              `json:"campaign_id"`
	Name        string              `json:"name"`
	Eligible    bool                `json:"eligible"`
	Reason      models.RuleCategory `json:"reason,omitempty"`
	Pending     bool                `json:"pending,omitempty"`
	ReadyAt     time.Time           `json:"ready_at,omitempty"`
	ConfigError string              `json:"config_error,omitempty"`
}

// Explanation lists why each campaign would or would not show, and which one
// a fresh session would get.
type Explanation struct {
	Campaigns []CampaignReport `json:"campaigns"`
	Selected  string           `json:"selected,omitempty"`
}

// Explain evaluates every campaign against vc for a session that has not
// seen anything yet.
func Explain(campaigns []models.Campaign, rules models.PlaylistRules, vc models.VisitorContext) Explanation {
	session := logic.NewSessionState()
	rules, _ = rules.Normalize(models.DefaultMaxPerSession)

	var exp Explanation
	for _, c := range campaigns {
		rep := CampaignReport{CampaignID: c.ID, Name: c.Name}
		if !c.Active {
			rep.Reason = models.RuleInactive
			exp.Campaigns = append(exp.Campaigns, rep)
			continue
		}
		r := logic.Evaluate(c.TargetingRules, vc)
		rep.Eligible = r.Eligible
		rep.Reason = r.Reason
		rep.Pending = r.Pending
		rep.ReadyAt = r.ReadyAt
		if r.Err != nil {
			rep.ConfigError = r.Err.Error()
		}
		if r.Eligible {
			if block, _ := filters.SessionBlock(c, session, rules, vc.Now); block != "" {
				rep.Eligible = false
				rep.Reason = block
			}
		}
		exp.Campaigns = append(exp.Campaigns, rep)
	}

	candidates := filters.FilterCandidates(campaigns, vc, session, rules)
	if c := selectors.ForMode(rules.SequenceMode).Select(candidates, rules, session); c != nil {
		exp.Selected = c.Campaign.ID
	}
	return exp
}
