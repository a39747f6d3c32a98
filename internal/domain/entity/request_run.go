package entity

import (
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// RunState is one of the eight states a RequestRun passes through en route to
// a terminal outcome (§4.G).
type RunState string

const (
	RunReceived    RunState = "received"
	RunClassifying RunState = "classifying"
	RunSelecting   RunState = "selecting"
	RunBuilding    RunState = "building"
	RunInvoking    RunState = "invoking"
	RunStreaming   RunState = "streaming"
	RunPersisting  RunState = "persisting"
	RunCompleted   RunState = "completed"
	RunFailed      RunState = "failed"
	RunCancelled   RunState = "cancelled"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Attempt records one try at invoking the LLM Gateway for a RequestRun —
// one entry per tier in the fallback chain that was actually attempted.
type Attempt struct {
	Tier      valueobject.Tier
	Provider  string
	StartedAt time.Time
	EndedAt   time.Time
	Succeeded bool
	ErrorKind string // empty on success
	TokensIn  int
	TokensOut int
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}

// RequestRun is the unit of work for a single inbound query: classify,
// select a model, build context, invoke, stream, persist. One RequestRun
// exists per user message that requires an assistant reply.
type RequestRun struct {
	id             string
	conversationID string
	state          RunState
	classification *ClassificationDecision
	modelDecision  *ModelDecision
	attempts       []Attempt
	errorKind      string // set when state == RunFailed
	createdAt      time.Time
	updatedAt      time.Time
}

// NewRequestRun creates a run in the Received state.
func NewRequestRun(id, conversationID string) (*RequestRun, error) {
	if id == "" {
		return nil, ErrInvalidRunID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	now := time.Now().UTC()
	return &RequestRun{
		id:             id,
		conversationID: conversationID,
		state:          RunReceived,
		createdAt:      now,
		updatedAt:      now,
	}, nil
}

// ReconstructRequestRun rebuilds a RequestRun from persisted state (ledger reads).
func ReconstructRequestRun(
	id, conversationID string,
	state RunState,
	classification *ClassificationDecision,
	modelDecision *ModelDecision,
	attempts []Attempt,
	errorKind string,
	createdAt, updatedAt time.Time,
) *RequestRun {
	return &RequestRun{
		id:             id,
		conversationID: conversationID,
		state:          state,
		classification: classification,
		modelDecision:  modelDecision,
		attempts:       attempts,
		errorKind:      errorKind,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
	}
}

func (r *RequestRun) ID() string                                 { return r.id }
func (r *RequestRun) ConversationID() string                      { return r.conversationID }
func (r *RequestRun) State() RunState                             { return r.state }
func (r *RequestRun) Classification() *ClassificationDecision     { return r.classification }
func (r *RequestRun) ModelDecision() *ModelDecision                { return r.modelDecision }
func (r *RequestRun) ErrorKind() string                           { return r.errorKind }
func (r *RequestRun) CreatedAt() time.Time                        { return r.createdAt }
func (r *RequestRun) UpdatedAt() time.Time                        { return r.updatedAt }

// Attempts returns a copy of the recorded attempts.
func (r *RequestRun) Attempts() []Attempt {
	out := make([]Attempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}

// SetState overwrites the run's state directly; used by the repository when
// reconstructing and by the state machine when persisting a transition.
func (r *RequestRun) SetState(s RunState) {
	r.state = s
	r.updatedAt = time.Now().UTC()
}

func (r *RequestRun) SetClassification(d ClassificationDecision) {
	r.classification = &d
}

func (r *RequestRun) SetModelDecision(d ModelDecision) {
	r.modelDecision = &d
}

func (r *RequestRun) RecordAttempt(a Attempt) {
	r.attempts = append(r.attempts, a)
}

func (r *RequestRun) SetErrorKind(kind string) {
	r.errorKind = kind
}
