package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// runTransitions is the adjacency map of allowed RequestRun transitions
// (§4.G): the eight-state happy path plus the two terminal escape branches
// reachable from every non-terminal state.
var runTransitions = map[entity.RunState]map[entity.RunState]bool{
	entity.RunReceived: {
		entity.RunClassifying: true,
		entity.RunFailed:      true,
		entity.RunCancelled:   true,
	},
	entity.RunClassifying: {
		entity.RunSelecting: true,
		entity.RunFailed:    true,
		entity.RunCancelled: true,
	},
	entity.RunSelecting: {
		entity.RunBuilding:  true,
		entity.RunFailed:    true,
		entity.RunCancelled: true,
	},
	entity.RunBuilding: {
		entity.RunInvoking:  true,
		entity.RunFailed:    true,
		entity.RunCancelled: true,
	},
	entity.RunInvoking: {
		entity.RunStreaming: true,
		entity.RunFailed:    true,
		entity.RunCancelled: true,
	},
	entity.RunStreaming: {
		entity.RunPersisting: true,
		entity.RunFailed:     true,
		entity.RunCancelled:  true,
	},
	entity.RunPersisting: {
		entity.RunCompleted: true,
		entity.RunFailed:    true,
		entity.RunCancelled: true,
	},
	// Terminal states — no transitions out.
	entity.RunCompleted: {},
	entity.RunFailed:    {},
	entity.RunCancelled: {},
}

// RunSnapshot captures a RequestRunMachine's state at a point in time, for
// transition listeners and operator inspection.
type RunSnapshot struct {
	RunID     string
	State     entity.RunState
	Attempts  int
	ErrorKind string
	Elapsed   time.Duration
}

// RequestRunMachine drives one RequestRun's entity.RunState transitions and
// notifies the listeners registered with OnTransition on every change.
// Thread-safe for concurrent use.
type RequestRunMachine struct {
	mu        sync.RWMutex
	runID     string
	state     entity.RunState
	attempts  int
	errorKind string
	startTime time.Time
	logger    *zap.Logger
	listeners []func(from, to entity.RunState, snap RunSnapshot)
}

// NewRequestRunMachine creates a machine starting in Received.
func NewRequestRunMachine(runID string, logger *zap.Logger) *RequestRunMachine {
	return &RequestRunMachine{
		runID:     runID,
		state:     entity.RunReceived,
		startTime: time.Now(),
		logger:    logger,
	}
}

// State returns the current state.
func (m *RequestRunMachine) State() entity.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a copy of the current state.
func (m *RequestRunMachine) Snapshot() RunSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return RunSnapshot{
		RunID:     m.runID,
		State:     m.state,
		Attempts:  m.attempts,
		ErrorKind: m.errorKind,
		Elapsed:   time.Since(m.startTime),
	}
}

// Transition attempts to move to a new state, rejecting moves not present in
// runTransitions.
func (m *RequestRunMachine) Transition(to entity.RunState) error {
	m.mu.Lock()
	from := m.state
	allowed, ok := runTransitions[from]
	if !ok || !allowed[to] {
		m.mu.Unlock()
		err := fmt.Errorf("invalid run transition: %s -> %s", from, to)
		m.logger.Error("request run state violation", zap.String("run_id", m.runID), zap.Error(err))
		return err
	}
	m.state = to
	snap := RunSnapshot{RunID: m.runID, State: to, Attempts: m.attempts, ErrorKind: m.errorKind, Elapsed: time.Since(m.startTime)}
	listeners := make([]func(from, to entity.RunState, snap RunSnapshot), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("request run transition",
		zap.String("run_id", m.runID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

// OnTransition registers a listener invoked on every transition.
func (m *RequestRunMachine) OnTransition(fn func(from, to entity.RunState, snap RunSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RecordAttempt increments the attempt counter and, if kind is non-empty,
// records it as the most recent error kind.
func (m *RequestRunMachine) RecordAttempt(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if kind != "" {
		m.errorKind = kind
	}
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *RequestRunMachine) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsTerminal()
}
