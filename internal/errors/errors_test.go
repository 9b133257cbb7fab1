// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty, unique values.
func TestErrorCodeValues(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound,
		ErrStorage,
		ErrNetworkUnavailable, ErrHTTPStatus, ErrAuthExpired,
		ErrQueueInvalidAction, ErrSyncInProgress, ErrSyncFailed,
		ErrCacheMiss, ErrConfigInvalid, ErrCryptoFailed,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("empty error code")
		}
		if seen[code] {
			t.Errorf("duplicate error code %s", code)
		}
		seen[code] = true
	}
}

// TestAppError_Error verifies message formatting with and without a cause.
func TestAppError_Error(t *testing.T) {
	plain := New(ErrInvalid, "url is required")
	if got := plain.Error(); got != "[INVALID_INPUT] url is required" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrStorage, "persist queue", errors.New("disk full"))
	if got := wrapped.Error(); !strings.Contains(got, "disk full") || !strings.HasPrefix(got, "[STORAGE_ERROR]") {
		t.Errorf("Error() = %q", got)
	}
}

// TestAppError_Unwrap verifies errors.Is sees through AppError.
func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(ErrSyncFailed, "drain", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if New(ErrInternal, "x").Unwrap() != nil {
		t.Error("Unwrap() of plain error should be nil")
	}
}

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	inner := New(ErrNetworkUnavailable, "offline")
	outer := Wrap(ErrSyncFailed, "drain", inner)
	stdWrapped := fmt.Errorf("context: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", inner, ErrNetworkUnavailable, true},
		{"outer code", outer, ErrSyncFailed, true},
		{"inner code through outer", outer, ErrNetworkUnavailable, true},
		{"through fmt wrap", stdWrapped, ErrNetworkUnavailable, true},
		{"absent code", outer, ErrStorage, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrCacheMiss, "miss")); got != ErrCacheMiss {
		t.Errorf("CodeOf() = %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want INTERNAL_ERROR", got)
	}
}
