package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_ErrorMessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewUpstreamTransientError("provider call failed", cause)

	msg := err.Error()
	if !strings.Contains(msg, "UPSTREAM_TRANSIENT") || !strings.Contains(msg, "provider call failed") || !strings.Contains(msg, "connection refused") {
		t.Fatalf("expected code, message, and cause all present, got %q", msg)
	}
}

func TestAppError_ErrorMessageOmitsCauseWhenNil(t *testing.T) {
	err := NewNotFoundError("conversation not found")
	want := "[NOT_FOUND] conversation not found"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestAppError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewInternalErrorWithCause("wrapped", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through Unwrap to the cause")
	}
}

func TestQueryTooLong_RoundTripsThroughErrorsAs(t *testing.T) {
	err := NewQueryTooLongError("query is 9000 tokens")
	wrapped := fmt.Errorf("context builder: %w", err)

	if !IsQueryTooLong(wrapped) {
		t.Fatal("expected IsQueryTooLong to see through fmt.Errorf wrapping")
	}
	if IsQueryTooLong(errors.New("unrelated")) {
		t.Fatal("a plain error must never report as query_too_long")
	}
}

func TestQueryTooLong_PlainInvalidInputIsNotQueryTooLong(t *testing.T) {
	err := NewInvalidInputError("missing field")
	if IsQueryTooLong(err) {
		t.Fatal("a generic invalid-input error must not match the query_too_long Kind")
	}
	if !IsInvalidInput(err) {
		t.Fatal("it should still match the broader IsInvalidInput check")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewNotFoundError("x")) {
		t.Fatal("expected NotFound error to match IsNotFound")
	}
	if IsNotFound(NewUnauthorizedError("x")) {
		t.Fatal("an unrelated code must not match IsNotFound")
	}
}

func TestIsUpstreamFailedAndOverloaded(t *testing.T) {
	if !IsUpstreamFailed(NewUpstreamFailedError("all tiers failed", nil)) {
		t.Fatal("expected IsUpstreamFailed to match")
	}
	if !IsOverloaded(NewOverloadedError("tier at capacity")) {
		t.Fatal("expected IsOverloaded to match")
	}
	if IsOverloaded(NewUpstreamFailedError("x", nil)) {
		t.Fatal("an unrelated code must not match IsOverloaded")
	}
}
