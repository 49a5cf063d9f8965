package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("dial", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "dial: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "dial: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("snapshot", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := fmt.Errorf("wrapped: %w", NewNetworkError("dial", baseErr))
		fatal := NewFatalNetworkError("snapshot", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should see through wrapping")
		}
		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}
		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "feed.ws_url", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [feed.ws_url]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestSnapshotError(t *testing.T) {
	cause := NewNetworkError("snapshot", errors.New("timeout"))
	err := &SnapshotError{Symbol: "BTCUSDT", Attempts: 3, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("SnapshotError should unwrap to its cause")
	}
	want := "snapshot BTCUSDT failed after 3 attempt(s): snapshot: timeout"
	if err.Error() != want {
		t.Errorf("Error message = %q, want %q", err.Error(), want)
	}
}

func TestSequenceGapError(t *testing.T) {
	err := &SequenceGapError{Cursor: 1000, First: 1005, Last: 1006}
	want := "sequence gap: cursor=1000 expected=1001 got=[1005,1006]"
	if err.Error() != want {
		t.Errorf("Error message = %q, want %q", err.Error(), want)
	}
}
