package service

import (
	"context"
	"testing"
	"time"
)

func TestConversationLockManager_SecondAcquireBlocksUntilReleased(t *testing.T) {
	m := NewConversationLockManager()

	release, err := m.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(context.Background(), "conv-1")
		if err != nil {
			t.Errorf("unexpected error on second acquire: %v", err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should not succeed while the first holds the lock")
	case <-time.After(30 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should unblock once the first releases")
	}
}

func TestConversationLockManager_DifferentConversationsDoNotContend(t *testing.T) {
	m := NewConversationLockManager()

	release1, err := m.Acquire(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := m.Acquire(context.Background(), "conv-b")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a lock on a different conversation id must not be blocked")
	}
}

func TestConversationLockManager_AcquireRespectsContextCancellation(t *testing.T) {
	m := NewConversationLockManager()

	_, err := m.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Acquire(ctx, "conv-1")
	if err == nil {
		t.Fatal("expected Acquire to fail once its context deadline expires")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Acquire took far longer than the context deadline to give up")
	}
}
