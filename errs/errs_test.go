package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesComponentAndMetadata(t *testing.T) {
	err := New(
		"registry/claim",
		CodeConflict,
		WithMessage("phase transition rejected"),
		WithMetadata(map[string]string{
			"pipeline_id": "pl-42",
			"phase":       "RUNNING",
		}),
		WithField("expected", "IDLE"),
		WithCause(errors.New("row not updated")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=registry/claim") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=expected=\"IDLE\",phase=\"RUNNING\",pipeline_id=\"pl-42\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"row not updated\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("signalbus/publish", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestHasCodeThroughWrapping(t *testing.T) {
	inner := New("executor/queue", CodeCapacity, WithMessage("queue at capacity"))
	wrapped := fmt.Errorf("enqueue pl-7: %w", inner)

	if !HasCode(wrapped, CodeCapacity) {
		t.Fatalf("expected capacity code through wrapping")
	}
	if HasCode(wrapped, CodeUnavailable) {
		t.Fatalf("unexpected unavailable code")
	}
	if HasCode(nil, CodeCapacity) {
		t.Fatalf("nil error must not match any code")
	}
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("expected internal for plain errors, got %q", got)
	}
	if got := CodeOf(New("index/refresh", CodeUnavailable)); got != CodeUnavailable {
		t.Fatalf("expected unavailable, got %q", got)
	}
}

func TestNilEnvelopeRendersPlaceholder(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected placeholder for nil envelope, got %q", e.Error())
	}
}
