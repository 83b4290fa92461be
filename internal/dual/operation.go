package dual

import (
	"github.com/roach88/dualstore/internal/store"
)

// Kind says whether an operation mutates state.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Side names one of the two stores.
type Side string

const (
	Primary   Side = "primary"
	Secondary Side = "secondary"
)

var writeVerbs = map[string]bool{
	"insert":   true,
	"update":   true,
	"delete":   true,
	"create":   true,
	"alter":    true,
	"drop":     true,
	"truncate": true,
}

// Classify infers the kind of a statement from its leading keyword,
// case-insensitively, after whitespace, comments and parentheses.
// Anything that is not a known write verb is a read.
func Classify(stmt string) Kind {
	if writeVerbs[store.LeadingKeyword(stmt)] {
		return KindWrite
	}
	return KindRead
}

// Operation is one statement routed by the coordinator.
type Operation struct {
	Statement string
	Args      []any
	Kind      Kind
}

// NewOperation classifies stmt and captures its arguments.
func NewOperation(stmt string, args ...any) Operation {
	return Operation{Statement: stmt, Args: args, Kind: Classify(stmt)}
}

// Result is the outcome of a routed operation.
type Result struct {
	*store.Result

	// Source is the store whose outcome this is.
	Source Side

	// Degraded is set when the primary failed and the secondary served.
	Degraded bool

	// SecondaryErr holds the mirrored write's failure if it was observed
	// within the grace window. Informational only.
	SecondaryErr error
}
