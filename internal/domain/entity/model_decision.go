package entity

import (
	"github.com/shopspring/decimal"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// ModelDecision is the Model Selector's verdict: which tier to try first, the
// fallback chain behind it, why, and the pre-call cost estimate (§4.D).
type ModelDecision struct {
	PrimaryTier   valueobject.Tier
	Chain         []valueobject.Tier // PrimaryTier followed by fallback tiers, in try-order
	Reason        string
	EstimatedCost decimal.Decimal
}

// NextInChain returns the tier to try after `current`, and false when the
// chain is exhausted.
func (d ModelDecision) NextInChain(current valueobject.Tier) (valueobject.Tier, bool) {
	for i, t := range d.Chain {
		if t == current && i+1 < len(d.Chain) {
			return d.Chain[i+1], true
		}
	}
	return "", false
}
