package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/shopspring/decimal"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// defaultFramingOverhead is the constant added per message to approximate
// chat-format framing tokens (role markers, separators), per family.
// Default mirrors OpenAI's documented chat overhead.
const defaultFramingOverhead = 4

// TierRate is one tier's cost-per-1k-token rate pair.
type TierRate struct {
	RatePer1kIn  float64
	RatePer1kOut float64
}

// Accountant implements service.TokenAccountant using tiktoken-go's BPE
// encodings, cached per model family, with a deterministic per-family
// fallback when a family has no registered encoding. Counting is monotone:
// falling back to a conservative estimate never undercounts relative to the
// real encoding, which keeps context windowing safe (§4.A's guarantee).
type Accountant struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	overhead  map[string]int // per-family framing overhead; default 4
	rates     map[valueobject.Tier]TierRate
}

// NewAccountant builds an Accountant over the given tier rate table.
func NewAccountant(rates map[valueobject.Tier]TierRate) *Accountant {
	return &Accountant{
		encodings: make(map[string]*tiktoken.Tiktoken),
		overhead:  make(map[string]int),
		rates:     rates,
	}
}

// SetFramingOverhead overrides the per-message framing overhead for a model
// family (default 4 tokens/message).
func (a *Accountant) SetFramingOverhead(modelFamily string, tokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overhead[modelFamily] = tokens
}

func (a *Accountant) encodingFor(modelFamily string) *tiktoken.Tiktoken {
	a.mu.Lock()
	defer a.mu.Unlock()
	if enc, ok := a.encodings[modelFamily]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(modelFamily)
	if err != nil {
		// Unknown family: cl100k_base is a safe, widely-compatible default
		// for modern chat models.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			a.encodings[modelFamily] = nil
			return nil
		}
	}
	a.encodings[modelFamily] = enc
	return enc
}

// Count implements service.TokenAccountant.
func (a *Accountant) Count(text, modelFamily string) int {
	enc := a.encodingFor(modelFamily)
	if enc == nil {
		// Conservative heuristic fallback: one token per byte. Every BPE
		// token covers at least one byte, so the estimate never undercounts
		// a real BPE tokenization.
		return len(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages implements service.TokenAccountant.
func (a *Accountant) CountMessages(messages []service.LLMMessage, modelFamily string) int {
	a.mu.Lock()
	overhead, ok := a.overhead[modelFamily]
	a.mu.Unlock()
	if !ok {
		overhead = defaultFramingOverhead
	}

	total := 0
	for _, m := range messages {
		total += a.Count(m.Content, modelFamily) + overhead
	}
	return total
}

// EstimateCost implements service.TokenAccountant.
func (a *Accountant) EstimateCost(tokensIn, tokensOut int, tier valueobject.Tier) decimal.Decimal {
	rate, ok := a.rates[tier]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(int64(tokensIn)).Div(decimal.NewFromInt(1000)).Mul(decimal.NewFromFloat(rate.RatePer1kIn))
	out := decimal.NewFromInt(int64(tokensOut)).Div(decimal.NewFromInt(1000)).Mul(decimal.NewFromFloat(rate.RatePer1kOut))
	return in.Add(out)
}

var _ service.TokenAccountant = (*Accountant)(nil)
