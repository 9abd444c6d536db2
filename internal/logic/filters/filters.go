package filters

import (
	"time"

	logic "github.com/patrickwarner/proofserve/internal/logic"
	"github.com/patrickwarner/proofserve/internal/models"
)

// FilterByActive removes campaigns that are switched off.
func FilterByActive(campaigns []models.Campaign) []models.Campaign {
	var out []models.Campaign
	for _, c := range campaigns {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// FilterByTargeting returns campaigns whose targeting rules are satisfied by
// ctx right now. Pending campaigns are dropped.
func FilterByTargeting(campaigns []models.Campaign, ctx models.VisitorContext) []models.Campaign {
	var out []models.Campaign
	for _, c := range campaigns {
		if logic.Evaluate(c.TargetingRules, ctx).Eligible {
			out = append(out, c)
		}
	}
	return out
}

// PlaylistCapReason reports whether the playlist-wide page or session cap is
// exhausted. Caps of zero or less are not enforced.
func PlaylistCapReason(session *logic.SessionState, rules models.PlaylistRules) models.RuleCategory {
	if session == nil {
		return ""
	}
	if rules.MaxPerPage > 0 && session.PageCount >= rules.MaxPerPage {
		return models.RulePageCap
	}
	if rules.MaxPerSession > 0 && session.SessionCount >= rules.MaxPerSession {
		return models.RuleSessionCap
	}
	return ""
}

// SessionBlock applies the per-campaign session checks: campaign display caps,
// repeat avoidance and cooldown. For a cooldown it also returns the instant
// the campaign becomes available again.
func SessionBlock(c models.Campaign, session *logic.SessionState, rules models.PlaylistRules, now time.Time) (models.RuleCategory, time.Time) {
	if session == nil {
		return "", time.Time{}
	}
	if c.Display.MaxPerPage > 0 && session.CampaignPageCounts[c.ID] >= c.Display.MaxPerPage {
		return models.RuleCampaignPageCap, time.Time{}
	}
	if c.Display.MaxPerSession > 0 && session.CampaignSessionCounts[c.ID] >= c.Display.MaxPerSession {
		return models.RuleCampaignSessionCap, time.Time{}
	}
	if (c.Display.OncePerSession || rules.AvoidRepeats) && session.ShownThisSession(c.ID) {
		return models.RuleAlreadyShown, time.Time{}
	}
	if rules.CooldownSeconds > 0 {
		cooldown := time.Duration(rules.CooldownSeconds) * time.Second
		var last time.Time
		if rules.CooldownScope == models.CooldownPlaylist {
			last = session.LastShownAny
		} else {
			last, _ = session.LastShown(c.ID)
		}
		if !last.IsZero() && now.Sub(last) < cooldown {
			return models.RuleCooldown, last.Add(cooldown)
		}
	}
	return "", time.Time{}
}
