package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name:     "error without details",
			err:      NewDomainError("KS-TEST-1000", "test message"),
			expected: "[KS-TEST-1000] test message",
		},
		{
			name:     "error with details",
			err:      NewDomainError("KS-TEST-1001", "test message").WithDetails("extra info"),
			expected: "[KS-TEST-1001] test message: extra info",
		},
		{
			name:     "error with cause",
			err:      NewDomainError("KS-TEST-1002", "test message").WithCause(errors.New("boom")),
			expected: "[KS-TEST-1002] test message: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	err1 := NewDomainError("KS-TEST-1000", "message 1")
	err2 := NewDomainError("KS-TEST-1000", "message 2")
	err3 := NewDomainError("KS-TEST-1001", "message 1")

	if !errors.Is(err1, err2) {
		t.Error("errors.Is should return true for same error code")
	}
	if errors.Is(err1, err3) {
		t.Error("errors.Is should return false for different error code")
	}
	if errors.Is(err1, fmt.Errorf("some error")) {
		t.Error("errors.Is should return false for non-DomainError")
	}
}

func TestDomainError_WrappedSentinel(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := fmt.Errorf("set k: %w", ErrQuotaExceeded.WithCause(cause))

	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("wrapped copy should match its sentinel")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if GetErrorCode(err) != "KS-HST-5070" {
		t.Errorf("GetErrorCode() = %q", GetErrorCode(err))
	}
}

func TestFamilyHelpers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantHost  bool
		wantCodec bool
	}{
		{"host store", ErrHostStore, true, false},
		{"quota", ErrQuotaExceeded.WithDetails("5MB"), true, false},
		{"crypto", ErrCrypto, false, true},
		{"compression", fmt.Errorf("read: %w", ErrCompression), false, true},
		{"migration", ErrMigration, false, false},
		{"plain", errors.New("x"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHostStoreError(tt.err); got != tt.wantHost {
				t.Errorf("IsHostStoreError() = %v, want %v", got, tt.wantHost)
			}
			if got := IsCodecError(tt.err); got != tt.wantCodec {
				t.Errorf("IsCodecError() = %v, want %v", got, tt.wantCodec)
			}
		})
	}
}

func TestIsDomainError(t *testing.T) {
	if !IsDomainError(ErrEncoding, "") {
		t.Error("expected any-code match")
	}
	if !IsDomainError(ErrEncoding.WithDetails("x"), "KS-ENC-4000") {
		t.Error("expected code match")
	}
	if IsDomainError(errors.New("plain"), "") {
		t.Error("plain error should not match")
	}
}
