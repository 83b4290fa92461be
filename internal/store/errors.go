package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrUnreachable classifies connect failures, pool exhaustion and
// connection loss. Match with errors.Is or IsUnreachable.
var ErrUnreachable = errors.New("store unreachable")

// UnreachableError reports that a store could not be reached.
type UnreachableError struct {
	Store string
	Err   error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Store, e.Err)
}

// Unwrap exposes both ErrUnreachable and the driver cause.
func (e *UnreachableError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// IsUnreachable reports whether err means the store could not be used at all,
// as opposed to a statement-level failure.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnreachable) || isConnectionError(err)
}

// Postgres SQLSTATEs that mean the server is gone or refusing work.
var pgUnavailableCodes = map[string]bool{
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pgUnavailableCodes[string(pqErr.Code)]
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || pgUnavailableCodes[pgErr.Code]
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrCantOpen || liteErr.Code == sqlite3.ErrNotADB
	}

	return false
}

// IsMissingTable reports whether err means the referenced table does not
// exist on that store (schema drift between primary and secondary).
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}

	return strings.Contains(err.Error(), "no such table")
}

// IsTimeout reports whether err came from a timeout bound by the handle.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
