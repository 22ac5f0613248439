package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases.
// Use errors.Is() to check against these.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrCorrupt          = errors.New("corrupt payload")
	ErrNetwork          = errors.New("network error")
	ErrTimeout          = errors.New("timeout")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrConflict         = errors.New("version conflict")
)

// BasketError represents a structured error for basket operations.
// Implements error interface and supports unwrapping.
type BasketError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Visible bool   `json:"-"` // Whether the message may be shown to the end user
	Err     error  `json:"-"` // Wrapped error, not serialized
}

func (e *BasketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BasketError) Unwrap() error {
	return e.Err
}

// NewInvalidArgumentError creates a user-visible error for bad caller input.
// The operation is rejected before any side effect.
func NewInvalidArgumentError(field, reason string) *BasketError {
	return &BasketError{
		Code:    "INVALID_ARGUMENT",
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Visible: true,
		Err:     ErrInvalidArgument,
	}
}

// NewCorruptError creates an internal error for unreadable stored payloads.
// Callers treat the basket as empty and log; never shown to the end user.
func NewCorruptError(slot string, err error) *BasketError {
	return &BasketError{
		Code:    "CORRUPT",
		Message: fmt.Sprintf("stored basket %q is not readable", slot),
		Err:     fmt.Errorf("%w: %v", ErrCorrupt, err),
	}
}

// NewNetworkError creates an error for an unreachable remote store.
// Triggers local-mirror fallback; invisible to the end user.
func NewNetworkError(op string, err error) *BasketError {
	return &BasketError{
		Code:    "NETWORK_ERROR",
		Message: fmt.Sprintf("%s failed", op),
		Err:     fmt.Errorf("%w: %v", ErrNetwork, err),
	}
}

// NewTimeoutError creates an error for a remote operation that outlived its
// deadline. Triggers local-mirror fallback like a network error.
func NewTimeoutError(op string) *BasketError {
	return &BasketError{
		Code:    "TIMEOUT",
		Message: fmt.Sprintf("%s timed out", op),
		Err:     ErrTimeout,
	}
}

// NewPermissionDeniedError creates a user-visible hard failure for remote
// rejections. No silent fallback: it implies an auth/ownership problem.
func NewPermissionDeniedError(op string) *BasketError {
	return &BasketError{
		Code:    "PERMISSION_DENIED",
		Message: fmt.Sprintf("%s was rejected by the remote store", op),
		Visible: true,
		Err:     ErrPermissionDenied,
	}
}

// NewQuotaExceededError creates a user-visible hard failure for local writes
// that exceed storage capacity. There is no further fallback.
func NewQuotaExceededError(slot string) *BasketError {
	return &BasketError{
		Code:    "QUOTA_EXCEEDED",
		Message: "local storage is full",
		Visible: true,
		Err:     fmt.Errorf("%w: slot %s", ErrQuotaExceeded, slot),
	}
}

// NewConflictError creates an error for a compare-and-swap local save that
// lost against a concurrent writer (another tab). Callers re-read and retry.
func NewConflictError(slot string) *BasketError {
	return &BasketError{
		Code:    "CONFLICT",
		Message: fmt.Sprintf("basket %q changed since last read", slot),
		Err:     ErrConflict,
	}
}

// UserVisible reports whether err carries a message suitable for the end
// user. Everything else is invisible self-healing.
func UserVisible(err error) bool {
	var be *BasketError
	if errors.As(err, &be) {
		return be.Visible
	}
	return false
}
