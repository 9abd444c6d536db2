package filters

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
	"github.com/patrickwarner/proofserve/internal/observability"
)

// PendingCandidate is a campaign held back only by the soft behavior gate.
type PendingCandidate struct {
	CampaignID string    `json:"campaign_id"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
}

// Result is the outcome of one filtering pass.
type Result struct {
	Candidates []models.Candidate
	Pending    []PendingCandidate
	Rejected   map[string]models.RuleCategory
	// WakeAt is the earliest instant at which a pending or cooling-down
	// campaign can become eligible. Zero when nothing is predictable.
	WakeAt time.Time
}

func (r *Result) wake(at time.Time) {
	if at.IsZero() {
		return
	}
	if r.WakeAt.IsZero() || at.Before(r.WakeAt) {
		r.WakeAt = at
	}
}

// SinglePassFilter evaluates targeting and session checks for every campaign
// in one pass. It only reads the session; counters move on confirmed display.
type SinglePassFilter struct {
	metrics      observability.MetricsRegistry
	logger       *zap.Logger
	samplingRate float64
}

// NewSinglePassFilter creates a filter. A nil metrics registry or logger
// disables that output.
func NewSinglePassFilter(metrics observability.MetricsRegistry, logger *zap.Logger) *SinglePassFilter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SinglePassFilter{
		metrics:      metrics,
		logger:       logger,
		samplingRate: observability.GetSamplingRate(),
	}
}

// FilterCandidates runs a filtering pass with no metrics or logging and
// returns only the eligible candidates.
func FilterCandidates(campaigns []models.Campaign, ctx models.VisitorContext, session *logic.SessionState, rules models.PlaylistRules) []models.Candidate {
	return NewSinglePassFilter(nil, nil).Filter(campaigns, ctx, session, rules).Candidates
}

// Filter applies targeting then session checks. Candidates keep their input
// position in Order so the scheduler can break ties stably. An exhausted
// playlist cap yields an empty result, which is not an error.
func (f *SinglePassFilter) Filter(
	campaigns []models.Campaign,
	ctx models.VisitorContext,
	session *logic.SessionState,
	rules models.PlaylistRules,
) Result {
	res := Result{
		Candidates: make([]models.Candidate, 0, len(campaigns)),
		Rejected:   make(map[string]models.RuleCategory),
	}

	if reason := PlaylistCapReason(session, rules); reason != "" {
		for _, c := range campaigns {
			res.Rejected[c.ID] = reason
			f.metrics.IncrementRejections(string(reason))
		}
		f.metrics.ObserveCandidates(0)
		return res
	}

	for i, c := range campaigns {
		// 1. Active check
		if !c.Active {
			f.rejectCampaign(&res, c.ID, models.RuleInactive)
			continue
		}

		// 2. Targeting check
		eval := logic.Evaluate(c.TargetingRules, ctx)
		if eval.Reason == models.RuleConfig {
			f.metrics.IncrementConfigErrors()
			if observability.ShouldSample(f.samplingRate) {
				f.logger.Debug("campaign failed closed on invalid rules",
					zap.String("campaign_id", c.ID),
					zap.Error(eval.Err))
			}
		}
		if !eval.Eligible && !eval.Pending {
			f.rejectCampaign(&res, c.ID, eval.Reason)
			continue
		}

		// 3. Session caps and cooldown
		if reason, until := SessionBlock(c, session, rules, ctx.Now); reason != "" {
			f.rejectCampaign(&res, c.ID, reason)
			res.wake(until)
			continue
		}

		if eval.Pending {
			res.Pending = append(res.Pending, PendingCandidate{CampaignID: c.ID, ReadyAt: eval.ReadyAt})
			res.wake(eval.ReadyAt)
			continue
		}
		res.Candidates = append(res.Candidates, models.Candidate{Campaign: c, Order: i})
	}

	f.metrics.ObserveCandidates(len(res.Candidates))
	return res
}

func (f *SinglePassFilter) rejectCampaign(res *Result, campaignID string, reason models.RuleCategory) {
	res.Rejected[campaignID] = reason
	f.metrics.IncrementRejections(string(reason))
}

// FilterWithTrace performs a filtering pass and records the input and output
// campaign sets with per-campaign rejection reasons.
func (f *SinglePassFilter) FilterWithTrace(
	campaigns []models.Campaign,
	ctx models.VisitorContext,
	session *logic.SessionState,
	rules models.PlaylistRules,
	trace *logic.SelectionTrace,
) Result {
	if trace != nil {
		trace.AddStep("filter_start", campaigns)
	}

	res := f.Filter(campaigns, ctx, session, rules)

	if trace != nil {
		details := make(map[string]string, len(res.Rejected)+len(res.Pending)+2)
		details["input_count"] = fmt.Sprintf("%d", len(campaigns))
		details["output_count"] = fmt.Sprintf("%d", len(res.Candidates))
		for id, reason := range res.Rejected {
			details["rejected_"+id] = string(reason)
		}
		for _, p := range res.Pending {
			details["pending_"+p.CampaignID] = string(models.RuleBehavior)
		}
		trace.AddCandidates("filter_complete", res.Candidates, details)
	}

	return res
}
