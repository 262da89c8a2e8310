// Package plans defines the subscription tiers and the wash allowance each
// tier grants per monthly cycle.
package plans

import "strings"

const (
	TierLite = "lite"
	TierPlus = "plus"
	TierPro  = "pro"
)

type Plan struct {
	Tier           string
	WashesPerCycle int
}

var byTier = map[string]Plan{
	TierLite: {Tier: TierLite, WashesPerCycle: 2},
	TierPlus: {Tier: TierPlus, WashesPerCycle: 4},
	TierPro:  {Tier: TierPro, WashesPerCycle: 8},
}

// ForTier resolves a tier name to its plan. Unknown tiers resolve to lite so
// a stale or mistyped tier never grants more washes than the cheapest plan.
func ForTier(tier string) Plan {
	if p, ok := byTier[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return p
	}
	return byTier[TierLite]
}

// Known reports whether tier names one of the offered plans.
func Known(tier string) bool {
	_, ok := byTier[strings.ToLower(strings.TrimSpace(tier))]
	return ok
}
