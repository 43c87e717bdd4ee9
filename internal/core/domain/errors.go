// Package domain defines the core domain models for keepstore.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DomainError represents a storage error with a structured error code.
//
// Codes have the form KS-<FAMILY>-<NNNN>; errors.Is compares codes only,
// so a sentinel matches any copy carrying details or a cause.
type DomainError struct {
	Code    string // Error code (e.g., "KS-CRY-5000")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Family returns the family segment of the code ("HST" for "KS-HST-5030").
func (e *DomainError) Family() string {
	parts := strings.Split(e.Code, "-")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsHostStoreError reports whether err belongs to the host store family,
// which includes quota exhaustion.
func IsHostStoreError(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Family() == "HST"
	}
	return false
}

// IsCodecError reports whether err came from the crypto or compression layer.
// Codec failures degrade reads instead of failing them.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrCrypto) || errors.Is(err, ErrCompression)
}

// ============================================================================
// Encoding Errors (ENC)
// ============================================================================

var (
	// ErrEncoding indicates schema validation failed before a write.
	ErrEncoding = NewDomainError("KS-ENC-4000", "record failed schema validation")

	// ErrUnknownSchema indicates a write referenced an unregistered schema.
	ErrUnknownSchema = NewDomainError("KS-ENC-4040", "schema not registered")

	// ErrSerialize indicates a value could not be serialized.
	ErrSerialize = NewDomainError("KS-ENC-4001", "value not serializable")
)

// ============================================================================
// Codec Errors (CRY, CMP, REC)
// ============================================================================

var (
	// ErrCrypto indicates a missing key or corrupted ciphertext.
	ErrCrypto = NewDomainError("KS-CRY-5000", "decryption failed")

	// ErrKeyUnavailable indicates the install key is missing or unusable.
	ErrKeyUnavailable = NewDomainError("KS-CRY-5001", "encryption key unavailable")

	// ErrCompression indicates a malformed compressed payload.
	ErrCompression = NewDomainError("KS-CMP-5000", "decompression failed")

	// ErrRecordCorrupted indicates a persisted frame could not be parsed.
	ErrRecordCorrupted = NewDomainError("KS-REC-5000", "persisted record corrupted")
)

// ============================================================================
// Host Store Errors (HST)
// ============================================================================

var (
	// ErrHostStore indicates an underlying host store call failed.
	ErrHostStore = NewDomainError("KS-HST-5030", "host store call failed")

	// ErrQuotaExceeded indicates the host store capacity quota is exhausted.
	ErrQuotaExceeded = NewDomainError("KS-HST-5070", "host store quota exceeded")

	// ErrHostClosed indicates the host store has been closed.
	ErrHostClosed = NewDomainError("KS-HST-5031", "host store closed")
)

// ============================================================================
// Migration Errors (MIG)
// ============================================================================

var (
	// ErrMigration indicates a transform failed while chaining migrations.
	ErrMigration = NewDomainError("KS-MIG-5000", "migration failed")

	// ErrInvalidVersion indicates a schema version string could not be parsed.
	ErrInvalidVersion = NewDomainError("KS-MIG-4000", "invalid schema version")
)

// ============================================================================
// Backup Errors (BAK)
// ============================================================================

var (
	// ErrBackupNotFound indicates the requested backup does not exist.
	ErrBackupNotFound = NewDomainError("KS-BAK-4040", "backup not found")

	// ErrBackupCorrupted indicates a backup blob failed integrity checks.
	ErrBackupCorrupted = NewDomainError("KS-BAK-5000", "backup corrupted")

	// ErrPassphraseRequired indicates an encrypted backup was opened without a passphrase.
	ErrPassphraseRequired = NewDomainError("KS-BAK-4010", "backup passphrase required")
)

// ============================================================================
// Argument Errors (KEY)
// ============================================================================

var (
	// ErrInvalidKey indicates an empty or reserved key.
	ErrInvalidKey = NewDomainError("KS-KEY-4000", "invalid key")

	// ErrEngineClosed indicates the engine was used after Close.
	ErrEngineClosed = NewDomainError("KS-SYS-5030", "engine closed")
)
