package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// Bootstrap creates the tables this core reads and writes.
// It is idempotent and safe to run against either store.
func Bootstrap(ctx context.Context, h *Handle) error {
	for _, stmt := range schemaStatements() {
		if _, err := h.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", h.Name(), err)
		}
	}
	return nil
}

// schemaStatements splits the embedded schema into single statements.
// Comments are removed before splitting so a ';' inside one is inert.
func schemaStatements() []string {
	var lines []string
	for _, line := range strings.Split(schemaSQL, "\n") {
		if line = stripLineComment(line); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	var out []string
	for _, chunk := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// stripLineComment cuts a trailing "--" comment that is not inside quotes.
func stripLineComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '-' && i+1 < len(line) && line[i+1] == '-':
			return line[:i]
		}
	}
	return line
}
