package selectors

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// NewDisplayID mints display ids. Tests may replace it.
var NewDisplayID = uuid.NewString

// SelectNext picks the next notification to display now. It returns nil when
// there are no candidates, which means the session goes idle.
func SelectNext(candidates []models.Candidate, rules models.PlaylistRules, session *logic.SessionState) *models.ScheduledDisplay {
	return SelectNextAt(candidates, rules, session, time.Now())
}

// SelectNextAt is SelectNext with an explicit selection instant.
func SelectNextAt(candidates []models.Candidate, rules models.PlaylistRules, session *logic.SessionState, now time.Time) *models.ScheduledDisplay {
	return SelectNextWithTrace(candidates, rules, session, now, nil)
}

// SelectNextWithTrace behaves like SelectNextAt but records the ranking and
// the chosen campaign in trace.
func SelectNextWithTrace(candidates []models.Candidate, rules models.PlaylistRules, session *logic.SessionState, now time.Time, trace *logic.SelectionTrace) *models.ScheduledDisplay {
	mode := rules.SequenceMode
	if !mode.IsValid() {
		mode = models.SequencePriority
	}

	if trace != nil && len(candidates) > 0 {
		details := map[string]string{"mode": string(mode)}
		if mode == models.SequenceSequential {
			if _, ok := firstInOrder(candidates, rules.CampaignOrder); !ok {
				details["fallback"] = string(models.SequencePriority)
			}
		}
		trace.AddCandidates("rank", RankCandidates(candidates, rules.ConflictResolution), details)
	}

	picked := ForMode(mode).Select(candidates, rules, session)
	if picked == nil {
		return nil
	}

	plan := BuildPlan(picked.Campaign, rules, session, now)
	plan.Mode = mode
	if trace != nil {
		trace.AddCandidates("selected", []models.Candidate{*picked}, map[string]string{
			"display_id":  plan.DisplayID,
			"interval_ms": fmt.Sprintf("%d", plan.IntervalMS),
		})
	}
	return plan
}

// BuildPlan computes the display timing for a chosen campaign. The initial
// delay applies to the first display on a page only. With a playlist-scoped
// cooldown the interval is stretched so the widget does not ask again before
// the cooldown ends.
func BuildPlan(c models.Campaign, rules models.PlaylistRules, session *logic.SessionState, now time.Time) *models.ScheduledDisplay {
	display := c.Display.Normalize()
	plan := &models.ScheduledDisplay{
		DisplayID:         NewDisplayID(),
		CampaignID:        c.ID,
		WebsiteID:         c.WebsiteID,
		Mode:              rules.SequenceMode,
		DisplayDurationMS: display.DisplayDurationMS,
		IntervalMS:        display.IntervalMS,
		SelectedAt:        now,
	}
	if session == nil || session.PageCount == 0 {
		plan.InitialDelayMS = display.InitialDelayMS
	}
	if rules.CooldownScope == models.CooldownPlaylist {
		if cd := int64(rules.CooldownSeconds) * 1000; cd > plan.IntervalMS {
			plan.IntervalMS = cd
		}
	}
	return plan
}
