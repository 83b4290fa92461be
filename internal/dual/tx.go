package dual

import (
	"context"
	"fmt"

	"github.com/roach88/dualstore/internal/audit"
	"github.com/roach88/dualstore/internal/store"
)

// Transaction runs body inside a transaction on the primary and commits a
// parallel transaction on the secondary. See InTransaction.
func (c *Coordinator) Transaction(ctx context.Context, body func(ctx context.Context, tx *store.Tx) error) error {
	_, err := InTransaction(ctx, c, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		return struct{}{}, body(ctx, tx)
	})
	return err
}

// InTransaction opens a transaction on each store and runs body once,
// against the primary transaction, returning body's result.
//
// This is not an atomic commit across both stores:
//   - the primary is authoritative; if it cannot begin, nothing runs
//   - a secondary that cannot begin is skipped and logged
//   - if the primary commit fails, the secondary is rolled back
//   - if the secondary commit fails after the primary committed, the
//     divergence is logged, counted and audited, and the result stands
//
// Both transactions are released on every path, including panics in body.
func InTransaction[T any](ctx context.Context, c *Coordinator, body func(ctx context.Context, tx *store.Tx) (T, error)) (T, error) {
	var zero T

	ptx, perr := c.primary.Begin(ctx)
	stx, serr := c.secondary.Begin(ctx)

	if perr != nil {
		if stx != nil {
			stx.Release()
		}
		if serr != nil {
			c.logger.Error("transaction unavailable on both stores",
				"primary_error", perr,
				"secondary_error", serr)
			return zero, bothFailed("transaction", perr, serr)
		}
		if store.IsUnreachable(perr) {
			return zero, &Error{Code: ErrCodeUnreachable, Op: "transaction", Side: Primary, Err: perr}
		}
		return zero, fmt.Errorf("transaction: %w", perr)
	}
	defer ptx.Release()

	if serr != nil {
		c.logger.Warn("secondary skipped transaction", "error", serr)
	} else {
		defer stx.Release()
	}

	out, err := body(ctx, ptx)
	if err != nil {
		_ = ptx.Rollback()
		if stx != nil {
			_ = stx.Rollback()
		}
		return zero, err
	}

	if err := ptx.Commit(); err != nil {
		if stx != nil {
			_ = stx.Rollback()
		}
		return zero, fmt.Errorf("transaction: %w", err)
	}

	if stx != nil {
		if err := stx.Commit(); err != nil {
			c.commitDiverged(ctx, err)
		}
	}
	return out, nil
}

func (c *Coordinator) commitDiverged(ctx context.Context, err error) {
	c.logger.Warn("secondary commit failed after primary commit",
		"code", ErrCodeCommitDivergence,
		"store", c.secondary.Name(),
		"error", err)
	c.metrics.CommitDiverged()
	c.sink.Record(ctx, audit.Event{
		ID:     c.ids.Generate(),
		Kind:   audit.KindCommitDivergence,
		At:     c.clock.Now(),
		Target: c.secondary.Name(),
		Detail: err.Error(),
	})
}
