package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func dialectFor(driver string) dialect {
	switch driver {
	case DriverPostgres, DriverPgx:
		return dialectPostgres
	default:
		return dialectSQLite
	}
}

// Result is the outcome of one statement.
// Row-returning statements fill Columns, Types and Rows; others fill
// RowsAffected. Types holds the upper-cased database type name of each
// column ("DATE", "TIMESTAMP", ...) when the driver reports one.
type Result struct {
	Columns      []string
	Types        []string
	Rows         [][]any
	RowsAffected int64
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Maps returns each row keyed by column name.
func (r *Result) Maps() []map[string]any {
	if r == nil {
		return []map[string]any{}
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			m[col] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// Execute runs a statement on a connection taken from the pool.
//
// Statements use '?' placeholders; they are rebound to '$n' for Postgres.
// Acquiring the connection is bounded by the connect timeout and the
// statement itself by the query timeout.
func (h *Handle) Execute(ctx context.Context, stmt string, args ...any) (*Result, error) {
	if err := h.enter(); err != nil {
		return nil, err
	}
	defer h.inflight.Done()

	conn, err := h.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	qctx, cancel := context.WithTimeout(ctx, h.cfg.QueryTimeout)
	defer cancel()

	res, err := run(qctx, conn, h.Rebind(stmt), args)
	if err != nil {
		return nil, h.wrap(err)
	}
	return res, nil
}

// wrap classifies an execution error, flipping liveness for connection loss.
func (h *Handle) wrap(err error) error {
	if isConnectionError(err) {
		h.markDown(err)
		return &UnreachableError{Store: h.name, Err: err}
	}
	return fmt.Errorf("%s: %w", h.name, err)
}

// queryer is satisfied by *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func run(ctx context.Context, q queryer, stmt string, args []any) (*Result, error) {
	if ReturnsRows(stmt) {
		rows, err := q.QueryContext(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return scanRows(rows)
	}

	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	return &Result{RowsAffected: n}, nil
}

func scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	res := &Result{Columns: cols, Types: make([]string, len(cols)), Rows: [][]any{}}
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			res.Types[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			// Drivers reuse byte buffers between rows.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// Rebind rewrites '?' placeholders for the handle's dialect.
func (h *Handle) Rebind(stmt string) string {
	if h.dialect != dialectPostgres {
		return stmt
	}
	return rebindDollar(stmt)
}

// rebindDollar converts '?' to '$1', '$2', ... outside quoted text.
func rebindDollar(stmt string) string {
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	var quote rune
	for _, r := range stmt {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LeadingKeyword returns the first keyword of a statement, lower-cased,
// skipping whitespace, comments and opening parentheses.
func LeadingKeyword(stmt string) string {
	s := stmt
	for {
		s = strings.TrimLeftFunc(s, func(r rune) bool { return unicode.IsSpace(r) || r == '(' })
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}

var returningClause = regexp.MustCompile(`(?i)\breturning\b`)

// ReturnsRows reports whether a statement produces a result set.
func ReturnsRows(stmt string) bool {
	switch LeadingKeyword(stmt) {
	case "select", "with", "values", "pragma", "show", "explain", "table":
		return true
	}
	return returningClause.MatchString(unquoted(stmt))
}

// unquoted blanks out quoted literals and identifiers so keyword matching
// sees only statement text.
func unquoted(stmt string) string {
	b := []byte(stmt)
	var quote byte
	for i, c := range b {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			b[i] = ' '
		case c == '\'' || c == '"':
			quote = c
			b[i] = ' '
		}
	}
	return string(b)
}
