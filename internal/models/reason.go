package models

// RuleCategory names the rule that blocked a campaign. Evaluation reports the
// first failing category so tests and debug traces can tell why a campaign
// was not shown.
type RuleCategory string

// Targeting categories, in evaluation order.
const (
	RuleConfig          RuleCategory = "config" // rules failed validation; fail closed
	RuleDevice          RuleCategory = "device"
	RuleURLExclude      RuleCategory = "url_exclude"
	RuleURLInclude      RuleCategory = "url_include"
	RuleCountryExclude  RuleCategory = "country_exclude"
	RuleCountryInclude  RuleCategory = "country_include"
	RuleReferrerExclude RuleCategory = "referrer_exclude"
	RuleReferrerInclude RuleCategory = "referrer_include"
	RuleSchedule        RuleCategory = "schedule"
	RuleReturning       RuleCategory = "returning_visitor"
	RuleBehavior        RuleCategory = "behavior" // soft: not yet
	RuleExitIntent      RuleCategory = "exit_intent"
)

// Session-level categories applied by the candidate filter.
const (
	RuleInactive           RuleCategory = "inactive"
	RulePageCap            RuleCategory = "page_cap"
	RuleSessionCap         RuleCategory = "session_cap"
	RuleCampaignPageCap    RuleCategory = "campaign_page_cap"
	RuleCampaignSessionCap RuleCategory = "campaign_session_cap"
	RuleCooldown           RuleCategory = "cooldown"
	RuleAlreadyShown       RuleCategory = "already_shown"
)
