package service

import (
	"github.com/shopspring/decimal"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// TokenAccountant counts tokens deterministically and prices a completed
// call (§4.A). Approximate counting (BPE or heuristic) is acceptable
// provided it is monotone: actual_count <= estimate keeps windowing safe.
type TokenAccountant interface {
	// Count returns the token count for text under modelFamily's tokenizer.
	Count(text, modelFamily string) int

	// CountMessages returns the token count for a message list, including
	// the per-message framing overhead configured for modelFamily.
	CountMessages(messages []LLMMessage, modelFamily string) int

	// EstimateCost prices a completed call against tier's rate table.
	EstimateCost(tokensIn, tokensOut int, tier valueobject.Tier) decimal.Decimal
}
