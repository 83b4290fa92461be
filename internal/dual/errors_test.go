package dual

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/dualstore/internal/store"
)

func TestBothFailed_BothUnreachable(t *testing.T) {
	perr := &store.UnreachableError{Store: "primary", Err: errors.New("dial tcp: refused")}
	serr := &store.UnreachableError{Store: "secondary", Err: errors.New("unable to open database file")}

	err := bothFailed("read", perr, serr)
	assert.True(t, IsBothUnavailable(err))
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, ErrCodeBothUnavailable, CodeOf(err))
	assert.ErrorIs(t, err, store.ErrUnreachable)
	assert.Contains(t, err.Error(), "BOTH_UNAVAILABLE: read")
	assert.Contains(t, err.Error(), "primary unreachable")
	assert.Contains(t, err.Error(), "secondary unreachable")
}

func TestBothFailed_StatementErrorCarriesPrimary(t *testing.T) {
	perr := errors.New("primary: no such column: foo")
	serr := &store.UnreachableError{Store: "secondary", Err: errors.New("down")}

	err := bothFailed("write", perr, serr)
	assert.False(t, IsBothUnavailable(err))
	assert.ErrorIs(t, err, perr)
	assert.Equal(t, ErrorCode(""), CodeOf(err))
	assert.Equal(t, "write: primary: no such column: foo", err.Error())
}

func TestError_Format(t *testing.T) {
	err := &Error{Code: ErrCodeUnreachable, Op: "transaction", Side: Primary, Err: errors.New("boom")}
	assert.Equal(t, "UNREACHABLE: transaction on primary: boom", err.Error())

	err = &Error{Code: ErrCodeSchemaMismatch, Op: "reconcile", Err: errors.New("no such table: vendors")}
	assert.Equal(t, "SCHEMA_MISMATCH: reconcile: no such table: vendors", err.Error())
}

func TestIsBothUnavailable_Wrapped(t *testing.T) {
	inner := &Error{Code: ErrCodeBothUnavailable, Op: "read", Err: errors.New("x"), SecondaryErr: errors.New("y")}
	wrapped := fmt.Errorf("list orders: %w", inner)

	assert.True(t, IsBothUnavailable(wrapped))
	assert.False(t, IsBothUnavailable(errors.New("plain")))
	assert.False(t, IsBothUnavailable(nil))
}
