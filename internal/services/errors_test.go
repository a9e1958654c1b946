package services_test

import (
	"errors"
	"strings"
	"testing"

	"meshforge/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrRemoteAPI, "rigging", "submit", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrRemoteAPI) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"rigging", "submit", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestHintMapping(t *testing.T) {
	if hint := services.Hint(nil); hint != "" {
		t.Fatalf("expected empty hint for nil, got %q", hint)
	}
	timeout := services.Wrap(services.ErrTimeout, "text3d", "wait", "deadline", nil)
	if hint := services.Hint(timeout); !strings.Contains(hint, "resume") {
		t.Fatalf("expected resume hint for timeout, got %q", hint)
	}
	config := services.Wrap(services.ErrConfiguration, "meshy", "client", "missing key", nil)
	if hint := services.Hint(config); !strings.Contains(hint, "config") {
		t.Fatalf("expected config hint, got %q", hint)
	}
	if hint := services.Hint(errors.New("plain")); hint == "" {
		t.Fatal("expected default hint for unclassified errors")
	}
}
