package service

import (
	"fmt"
	"strings"

	"github.com/raakeshmj/entitlements/internal/db"
)

const (
	// FreeQuestionLimit is the lifetime allowance of a free user. Quota
	// checks, stats and user-facing messages all read this value.
	FreeQuestionLimit = 5
	// BasicMonthlyLimit applies per calendar month (UTC).
	BasicMonthlyLimit = 100
)

// Plan describes a purchasable tier.
type Plan struct {
	Tier             db.Tier `json:"tier"`
	Name             string  `json:"name"`
	PriceCents       int64   `json:"price_cents"`
	Price            string  `json:"price"`
	MonthlyQuestions int     `json:"monthly_questions,omitempty"` // zero means no cap
	Description      string  `json:"description"`
}

var plans = []Plan{
	{
		Tier:             db.TierBasic,
		Name:             "Basic",
		PriceCents:       199,
		Price:            "$1.99/month",
		MonthlyQuestions: BasicMonthlyLimit,
		Description:      fmt.Sprintf("%d questions per month", BasicMonthlyLimit),
	},
	{
		Tier:        db.TierUnlimited,
		Name:        "Unlimited",
		PriceCents:  499,
		Price:       "$4.99/month",
		Description: "Unlimited questions",
	},
}

// Plans returns the upgrade catalogue.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

func PlanFor(tier db.Tier) (Plan, bool) {
	for _, p := range plans {
		if p.Tier == tier {
			return p, true
		}
	}
	return Plan{}, false
}

// ParseUpgradeTier accepts only tiers a user can be upgraded to.
func ParseUpgradeTier(s string) (db.Tier, error) {
	tier := db.Tier(strings.ToLower(strings.TrimSpace(s)))
	if !tier.Paid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return tier, nil
}

// LimitMessage renders the user-facing text for a denial reason.
func LimitMessage(reason Reason) string {
	switch reason {
	case ReasonFreeLimitReached:
		return fmt.Sprintf("You've used all %d free questions. Upgrade to keep asking.", FreeQuestionLimit)
	case ReasonMonthlyLimitReached:
		return fmt.Sprintf("You've reached your %d questions for this month. Upgrade to Unlimited or wait for next month.", BasicMonthlyLimit)
	case ReasonRateLimitExceeded:
		return "Too many requests. Please wait a minute and try again."
	case ReasonUnknownTier:
		return "Your subscription could not be verified. Please contact support."
	default:
		return ""
	}
}
