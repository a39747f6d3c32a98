package service

import (
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

func TestRequestRunMachine_HappyPathTransitionsInOrder(t *testing.T) {
	m := NewRequestRunMachine("run-1", zap.NewNop())

	path := []entity.RunState{
		entity.RunClassifying,
		entity.RunSelecting,
		entity.RunBuilding,
		entity.RunInvoking,
		entity.RunStreaming,
		entity.RunPersisting,
		entity.RunCompleted,
	}
	for _, to := range path {
		if err := m.Transition(to); err != nil {
			t.Fatalf("unexpected error transitioning to %s: %v", to, err)
		}
	}
	if m.State() != entity.RunCompleted {
		t.Fatalf("expected final state completed, got %s", m.State())
	}
	if !m.IsTerminal() {
		t.Fatal("completed must be terminal")
	}
}

func TestRequestRunMachine_RejectsSkippingStates(t *testing.T) {
	m := NewRequestRunMachine("run-1", zap.NewNop())
	if err := m.Transition(entity.RunInvoking); err == nil {
		t.Fatal("expected an error jumping straight from received to invoking")
	}
	if m.State() != entity.RunReceived {
		t.Fatalf("state must not change on a rejected transition, got %s", m.State())
	}
}

func TestRequestRunMachine_RejectsTransitionsOutOfTerminalStates(t *testing.T) {
	m := NewRequestRunMachine("run-1", zap.NewNop())
	if err := m.Transition(entity.RunCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Transition(entity.RunClassifying); err == nil {
		t.Fatal("expected an error transitioning out of a terminal state")
	}
}

func TestRequestRunMachine_EveryNonTerminalStateCanFailOrCancel(t *testing.T) {
	nonTerminal := []entity.RunState{
		entity.RunReceived, entity.RunClassifying, entity.RunSelecting,
		entity.RunBuilding, entity.RunInvoking, entity.RunStreaming, entity.RunPersisting,
	}
	for _, state := range nonTerminal {
		for _, escape := range []entity.RunState{entity.RunFailed, entity.RunCancelled} {
			m := NewRequestRunMachine("run-x", zap.NewNop())
			// Walk to `state` via the happy path prefix, then attempt the escape.
			if !walkTo(m, state) {
				t.Fatalf("could not walk to state %s via the happy path", state)
			}
			if err := m.Transition(escape); err != nil {
				t.Fatalf("expected %s -> %s to be allowed, got error: %v", state, escape, err)
			}
		}
	}
}

// walkTo drives m from Received through the canonical happy path up to and
// including target, returning false if target isn't on that path.
func walkTo(m *RequestRunMachine, target entity.RunState) bool {
	path := []entity.RunState{
		entity.RunReceived,
		entity.RunClassifying,
		entity.RunSelecting,
		entity.RunBuilding,
		entity.RunInvoking,
		entity.RunStreaming,
		entity.RunPersisting,
	}
	for _, s := range path {
		if s != entity.RunReceived {
			if err := m.Transition(s); err != nil {
				return false
			}
		}
		if s == target {
			return true
		}
	}
	return false
}

func TestRequestRunMachine_ListenersAreNotifiedWithSnapshot(t *testing.T) {
	m := NewRequestRunMachine("run-2", zap.NewNop())
	var got []string
	m.OnTransition(func(from, to entity.RunState, snap RunSnapshot) {
		got = append(got, string(from)+"->"+string(to))
		if snap.RunID != "run-2" {
			t.Errorf("snapshot run id mismatch: %q", snap.RunID)
		}
	})

	if err := m.Transition(entity.RunClassifying); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Transition(entity.RunFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"received->classifying", "classifying->failed"}
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRequestRunMachine_RecordAttemptTracksCountAndLastErrorKind(t *testing.T) {
	m := NewRequestRunMachine("run-3", zap.NewNop())
	m.RecordAttempt("")
	m.RecordAttempt("rate_limited")
	m.RecordAttempt("")

	snap := m.Snapshot()
	if snap.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", snap.Attempts)
	}
	if snap.ErrorKind != "rate_limited" {
		t.Fatalf("expected the last non-empty error kind to stick, got %q", snap.ErrorKind)
	}
}
