// Package ledgercore holds the rejection taxonomy shared by every stage that can
// refuse a transaction: admission, execution and commit.
package ledgercore

import (
	"errors"
	"fmt"
)

// Rejection reasons surfaced to submitters.
var (
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrOwnershipViolation   = errors.New("ownership violation")
	ErrNullifierReused      = errors.New("nullifier reused")
	ErrInvalidProof         = errors.New("invalid proof")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrStoreUnavailable     = errors.New("store unavailable")

	// ErrAlreadyIncluded is never returned as a failure by admission; it names
	// the no-op outcome for a fingerprint that is already on chain.
	ErrAlreadyIncluded = errors.New("already included")

	ErrInvalidNonce   = errors.New("invalid nonce")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUnknownProgram = errors.New("unknown program")
	ErrProgramFailed  = errors.New("program execution failed")
	ErrStaleRoot      = errors.New("commitment root outside history window")
	ErrProgramExists  = errors.New("program already deployed")
	ErrPoolFull       = errors.New("mempool full")
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrMalformedTransaction, "malformed_transaction"},
	{ErrOwnershipViolation, "ownership_violation"},
	{ErrNullifierReused, "nullifier_reused"},
	{ErrInvalidProof, "invalid_proof"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrAlreadyIncluded, "already_included"},
	{ErrInvalidNonce, "invalid_nonce"},
	{ErrUnauthorized, "unauthorized"},
	{ErrUnknownProgram, "unknown_program"},
	{ErrProgramFailed, "program_failed"},
	{ErrStaleRoot, "stale_root"},
	{ErrProgramExists, "program_exists"},
	{ErrPoolFull, "mempool_full"},
}

// Reason maps an error to its stable reason code. Errors outside the taxonomy
// map to "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return "internal"
}

// FromReason returns the taxonomy error for a reason code, or nil when the
// code is unknown.
func FromReason(code string) error {
	for _, r := range reasons {
		if r.code == code {
			return r.err
		}
	}
	return nil
}

// Malformed wraps ErrMalformedTransaction with a description.
func Malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedTransaction, fmt.Sprintf(format, args...))
}

// Ownership wraps ErrOwnershipViolation with a description.
func Ownership(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrOwnershipViolation, fmt.Sprintf(format, args...))
}

// StoreError records the storage operation that failed. It always matches
// ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}
