package service

import (
	"testing"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

func TestPerformanceTracker_NoRecordsMeansZeroFailureRatio(t *testing.T) {
	tr := NewPerformanceTracker(5, time.Hour)
	if got := tr.FailureRatio(valueobject.TierSmall, time.Now()); got != 0 {
		t.Fatalf("expected 0 for an unobserved tier, got %v", got)
	}
}

func TestPerformanceTracker_FailureRatioOverRecentWindow(t *testing.T) {
	tr := NewPerformanceTracker(4, time.Hour)
	now := time.Now()

	tr.RecordAttempt(valueobject.TierLarge, true, now)
	tr.RecordAttempt(valueobject.TierLarge, false, now)
	tr.RecordAttempt(valueobject.TierLarge, false, now)
	tr.RecordAttempt(valueobject.TierLarge, false, now)

	if got := tr.FailureRatio(valueobject.TierLarge, now); got != 0.75 {
		t.Fatalf("expected 0.75 failure ratio, got %v", got)
	}
}

func TestPerformanceTracker_RingBufferOverwritesOldestFirst(t *testing.T) {
	tr := NewPerformanceTracker(2, time.Hour)
	now := time.Now()

	tr.RecordAttempt(valueobject.TierSmall, false, now) // evicted below
	tr.RecordAttempt(valueobject.TierSmall, true, now)
	tr.RecordAttempt(valueobject.TierSmall, true, now)

	if got := tr.FailureRatio(valueobject.TierSmall, now); got != 0 {
		t.Fatalf("expected the earlier failure to have rolled off a size-2 window, got %v", got)
	}
}

func TestPerformanceTracker_AttemptsOutsideLookbackAreExcluded(t *testing.T) {
	tr := NewPerformanceTracker(10, time.Minute)
	now := time.Now()

	tr.RecordAttempt(valueobject.TierMedium, false, now.Add(-2*time.Hour))
	tr.RecordAttempt(valueobject.TierMedium, true, now)

	if got := tr.FailureRatio(valueobject.TierMedium, now); got != 0 {
		t.Fatalf("the stale failure outside the lookback window should not count, got %v", got)
	}
}

func TestPerformanceTracker_TiersAreIndependent(t *testing.T) {
	tr := NewPerformanceTracker(5, time.Hour)
	now := time.Now()

	tr.RecordAttempt(valueobject.TierSmall, false, now)
	tr.RecordAttempt(valueobject.TierLarge, true, now)

	if got := tr.FailureRatio(valueobject.TierSmall, now); got != 1.0 {
		t.Fatalf("expected small tier at 1.0 failure ratio, got %v", got)
	}
	if got := tr.FailureRatio(valueobject.TierLarge, now); got != 0 {
		t.Fatalf("expected large tier unaffected by small's failures, got %v", got)
	}
}
