package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"device timeout", ErrDeviceTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"volume exceeded", ErrVolumeExceeded, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"volume exceeded", ErrVolumeExceeded, true},
		{"volume out of range", ErrVolumeOutOfRange, true},
		{"quota exhausted", ErrQuotaExhausted, true},
		{"no wells", ErrNoWellsAvailable, true},
		{"device timeout", ErrDeviceTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"stale event", ErrStaleEvent, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults to transient", nil, ErrorTransient},
		{"quota exhausted is invalid", ErrQuotaExhausted, ErrorInvalid},
		{"missing config is fatal", ErrMissingConfig, ErrorFatal},
		{"unknown defaults to transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")

	wrapped := Wrap(base, "Scheduler", "Submit", "reserve well")
	if wrapped == nil {
		t.Fatal("expected non-nil error")
	}
	if !strings.Contains(wrapped.Error(), "Scheduler.Submit: reserve well failed") {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}

	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Client", "Publish", "send command")
	if !IsTransient(transient) {
		t.Error("WrapTransient should produce a transient error")
	}
	if !errors.Is(transient, base) {
		t.Error("classified error should unwrap to base")
	}

	invalid := WrapInvalid(base, "Scheduler", "Submit", "validate volumes")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid should produce an invalid error")
	}

	fatal := WrapFatal(base, "Config", "Load", "parse file")
	if !IsFatal(fatal) {
		t.Error("WrapFatal should produce a fatal error")
	}

	if WrapTransient(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}
