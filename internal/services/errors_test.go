package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"camstitch/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrFatalMedia, "extract", "decode", "corrupt header", base)
	if !errors.Is(err, services.ErrFatalMedia) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"extract", "decode", "corrupt header"} {
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
		t.Fatalf("expected placeholder detail, got %q", err)
	}
}

func TestKindMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		kind        services.ErrorKind
		recoverable bool
		fatal       bool
	}{
		{"nil", nil, "", false, false},
		{"recoverable", services.Wrap(services.ErrRecoverableExtraction, "extract", "run", "oom", nil), services.KindRecoverableExtraction, true, false},
		{"fatal media", services.Wrap(services.ErrFatalMedia, "extract", "run", "bad", nil), services.KindFatalMedia, false, false},
		{"deadline", fmt.Errorf("unit: %w", context.DeadlineExceeded), services.KindTimeout, true, false},
		{"timeout marker", services.Wrap(services.ErrTimeout, "", "", "", nil), services.KindTimeout, true, false},
		{"corruption", services.Wrap(services.ErrStateCorruption, "state", "open", "", nil), services.KindStateCorruption, false, true},
		{"canceled", context.Canceled, services.KindCanceled, false, false},
		{"plain", errors.New("x"), services.KindTransient, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.Kind(tt.err); got != tt.kind {
				t.Fatalf("Kind = %q, want %q", got, tt.kind)
			}
			if tt.err == nil {
				return
			}
			if got := services.IsRecoverable(tt.err); got != tt.recoverable {
				t.Fatalf("IsRecoverable = %v, want %v", got, tt.recoverable)
			}
			if got := services.IsFatal(tt.err); got != tt.fatal {
				t.Fatalf("IsFatal = %v, want %v", got, tt.fatal)
			}
		})
	}
}
