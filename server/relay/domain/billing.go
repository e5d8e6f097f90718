package domain

import "time"

type Plan string

const (
	PlanStarter Plan = "STARTER"
	PlanGrowth  Plan = "GROWTH"
	PlanPro     Plan = "PRO"
)

type Tier string

const (
	TierCheap   Tier = "cheap"
	TierPremium Tier = "premium"
)

type CreditStatus struct {
	Plan           Plan `json:"plan"`
	PremiumAllowed bool `json:"premiumAllowed"`
	Remaining      int  `json:"remaining"`
}

// AllowsPremium applies the plan policy. STARTER has a hard ceiling;
// GROWTH and PRO fall back to unlimited cheap usage once their premium
// allotment is gone. Either way an exhausted allotment means no premium.
func (s CreditStatus) AllowsPremium() bool {
	if !s.PremiumAllowed || s.Remaining <= 0 {
		return false
	}
	switch s.Plan {
	case PlanStarter, PlanGrowth, PlanPro:
		return true
	default:
		return false
	}
}

// AIUsageRecord is one ledger line per successful completion. TurnID makes
// writes idempotent.
type AIUsageRecord struct {
	TurnID        string    `json:"turnId"`
	DomainID      string    `json:"domainId"`
	OwnerID       string    `json:"ownerId"`
	RoomID        string    `json:"roomId"`
	Tier          Tier      `json:"tier"`
	Model         string    `json:"model"`
	TokenEstimate int       `json:"tokenEstimate"`
	CreditsUsed   int       `json:"creditsUsed"`
	CreatedAt     time.Time `json:"createdAt"`
}
