package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "asset not found")
	err := fmt.Errorf("lookup: %w", Newf(CodeNotFound, "asset %d not found", 7))

	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeConflict, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(err) != CodeNotFound {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "apply change")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := err.Error(); got != "[STORAGE_FAILURE] apply change: connection refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("storage failures should be retryable and alerting")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("table", "assets"))

	if err.Message() != "storage failure" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("options not applied: %+v", err)
	}
	if err.Metadata()["table"] != "assets" {
		t.Fatalf("metadata missing")
	}
}

func TestHTTPStatusOf(t *testing.T) {
	Register("TEST_TEAPOT", Attributes{Message: "teapot", Status: http.StatusTeapot})

	cases := []struct {
		err  error
		want int
	}{
		{New(CodeInvalidArgument, "bad"), http.StatusBadRequest},
		{New(CodeUnauthenticated, ""), http.StatusUnauthorized},
		{New("TEST_TEAPOT", ""), http.StatusTeapot},
		{New("UNREGISTERED", ""), http.StatusInternalServerError},
		{stdErrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusOf(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
