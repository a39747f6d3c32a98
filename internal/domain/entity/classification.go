package entity

import "github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"

// ClassificationDecision is the Classifier's verdict for one inbound message:
// which specialist agent should handle it, how confident the classifier was,
// and why (§4.C).
type ClassificationDecision struct {
	Agent        valueobject.AgentKind
	Confidence   float64
	Reasoning    string
	Forced       bool   // true when an explicit user directive overrode the LLM call
	FallbackFrom string // non-empty when this decision is the low-confidence/parse-failure fallback
}

// IsFallback reports whether this decision was not a confident LLM classification.
func (d ClassificationDecision) IsFallback() bool {
	return d.FallbackFrom != ""
}
