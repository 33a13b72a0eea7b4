package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewUsesCodeDefaults(t *testing.T) {
	err := New(CodeSpawn, "")
	if err.Message() != "worker process failed to start" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	if !err.Retryable() || !err.ShouldAlert() {
		t.Fatalf("spawn errors should be retryable and alerting")
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if err.Error() != "[SPAWN_ERROR] worker process failed to start" {
		t.Fatalf("unexpected text %q", err.Error())
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeWatch, "scan failed",
		WithRetryable(false),
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithMetadata("path", "/lib"),
		nil,
	)
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: %+v", err)
	}
	meta := err.Metadata()
	meta["path"] = "mutated"
	if err.Metadata()["path"] != "/lib" {
		t.Fatalf("metadata must be copied")
	}
}

func TestWrapChain(t *testing.T) {
	cause := stdErrors.New("permission denied")
	err := fmt.Errorf("boot: %w", Wrap(CodeStorageFailure, cause, "open catalog"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "other message")) {
		t.Fatalf("errors.Is should compare codes")
	}
	if stdErrors.Is(err, New(CodeTimeout, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(err) != CodeStorageFailure || !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("helpers did not see the wrapped error")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown || RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors carry no code")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors fall back to the unknown severity")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("nil is not an *Error")
	}
	var nilErr *Error
	if nilErr.Code() != CodeUnknown || nilErr.Error() != "" || nilErr.ShouldAlert() {
		t.Fatalf("nil receiver must be safe")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	code := Code("RENDERER_CRASHED")
	if AttributesOf(code).Severity != SeverityCritical {
		t.Fatalf("unknown codes fall back to UNKNOWN attributes")
	}
	Register(code, Attributes{Message: "renderer crashed", Severity: SeverityWarning, Alert: true})
	err := New(code, "")
	if err.Message() != "renderer crashed" || !err.ShouldAlert() || err.Severity() != SeverityWarning {
		t.Fatalf("registered attributes not applied: %+v", err)
	}
}
