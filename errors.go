package blinkpay

import (
	"errors"
	"fmt"
)

// Error is a settlement-specific error carrying a stable machine-readable
// code alongside the human message.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Error codes, mirrored in the HTTP layer's status mapping.
const (
	ErrCodeValidation         = "validation_failed"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeLockBusy           = "lock_busy"
	ErrCodeVerifyPending      = "verification_pending"
	ErrCodeVerifyRejected     = "verification_rejected"
	ErrCodePayoutFailed       = "payout_failed"
	ErrCodeVaultFailure       = "vault_failure"
	ErrCodeInfrastructure     = "infrastructure_error"
	ErrCodeNotFound           = "not_found"
	ErrCodeReceiptExists      = "receipt_exists"
	ErrCodeBlinkPaused        = "blink_paused"
	ErrCodeRunTerminal        = "run_terminal"
	ErrCodeDuplicateReference = "duplicate_reference"
)

// NewError creates a new code-bearing error.
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// WrapError creates a code-bearing error wrapping an underlying cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// Sentinel errors for store and lock conditions. These cross package
// boundaries (memory and postgres backends return the same values).
var (
	// ErrNotFound is returned when a run, blink, creator or receipt does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReference is returned by RunStore.CreateRun when a run
	// with the same payment reference already exists.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	// ErrRunTerminal is returned when a transition is attempted on a run
	// that already reached a terminal state.
	ErrRunTerminal = errors.New("run already terminal")

	// ErrReceiptExists is returned by ReceiptStore.CreateReceipt when the
	// run already has a receipt.
	ErrReceiptExists = errors.New("receipt already recorded")

	// ErrLockBusy is returned by LockManager.Acquire while another holder
	// owns a live lock for the reference.
	ErrLockBusy = errors.New("payment reference locked")

	// ErrLockMismatch is returned by Release/Extend when the lock expired
	// or is held by a different token. Callers treat it as a no-op.
	ErrLockMismatch = errors.New("lock expired or held by another owner")
)

// ErrorCode extracts the code from a code-bearing error, mapping known
// sentinels; returns ErrCodeInfrastructure for anything unclassified.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrLockBusy):
		return ErrCodeLockBusy
	case errors.Is(err, ErrRunTerminal):
		return ErrCodeRunTerminal
	case errors.Is(err, ErrReceiptExists):
		return ErrCodeReceiptExists
	case errors.Is(err, ErrDuplicateReference):
		return ErrCodeDuplicateReference
	default:
		return ErrCodeInfrastructure
	}
}
