package dual

import (
	"errors"
	"fmt"

	"github.com/roach88/dualstore/internal/store"
)

// ErrorCode categorizes dual-store failures.
type ErrorCode string

const (
	// ErrCodeUnreachable indicates a single store could not be reached.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"

	// ErrCodeBothUnavailable indicates neither store could be reached.
	ErrCodeBothUnavailable ErrorCode = "BOTH_UNAVAILABLE"

	// ErrCodePartialWrite indicates the primary write succeeded and the
	// secondary write failed. Logged and counted, never returned to callers.
	ErrCodePartialWrite ErrorCode = "PARTIAL_WRITE"

	// ErrCodeCommitDivergence indicates the primary committed and the
	// secondary did not.
	ErrCodeCommitDivergence ErrorCode = "COMMIT_DIVERGENCE"

	// ErrCodeRowConflict indicates a reconciliation insert found the key
	// already present. Treated as success.
	ErrCodeRowConflict ErrorCode = "ROW_CONFLICT"

	// ErrCodeSchemaMismatch indicates a collection is missing on one side.
	ErrCodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"
)

// Error is a dual-store failure with the side and operation it came from.
type Error struct {
	Code ErrorCode

	// Op is the coordinator operation: "read", "write" or "transaction".
	Op string

	// Side is the store the error is attributed to; empty when both.
	Side Side

	// Err is the underlying cause. For BOTH_UNAVAILABLE it is the
	// primary's error.
	Err error

	// SecondaryErr is set when both stores failed.
	SecondaryErr error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.SecondaryErr != nil:
		return fmt.Sprintf("%s: %s: %v (secondary: %v)", e.Code, e.Op, e.Err, e.SecondaryErr)
	case e.Side != "":
		return fmt.Sprintf("%s: %s on %s: %v", e.Code, e.Op, e.Side, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
}

// Unwrap returns the underlying cause so errors.Is reaches driver errors
// and store.ErrUnreachable.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsBothUnavailable returns true if neither store could serve the operation.
// Uses errors.As to handle wrapped errors.
func IsBothUnavailable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == ErrCodeBothUnavailable
	}
	return false
}

// IsUnreachable returns true for any failure caused by an unreachable store,
// whether one side or both.
func IsUnreachable(err error) bool {
	var de *Error
	if errors.As(err, &de) && (de.Code == ErrCodeUnreachable || de.Code == ErrCodeBothUnavailable) {
		return true
	}
	return store.IsUnreachable(err)
}

// CodeOf returns the error's code, or "" if err is not a *Error.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// bothFailed builds the error returned when neither store served op.
// The primary's error is the cause; BOTH_UNAVAILABLE is used only when both
// failures were connection-level.
func bothFailed(op string, primaryErr, secondaryErr error) error {
	if store.IsUnreachable(primaryErr) && store.IsUnreachable(secondaryErr) {
		return &Error{
			Code:         ErrCodeBothUnavailable,
			Op:           op,
			Err:          primaryErr,
			SecondaryErr: secondaryErr,
		}
	}
	return fmt.Errorf("%s: %w", op, primaryErr)
}
