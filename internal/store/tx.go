package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Tx is a transaction bound to one dedicated pooled connection.
//
// The connection is released exactly once, by whichever of Commit,
// Rollback or Release runs first. Callers should always
// `defer tx.Release()` right after Begin.
type Tx struct {
	h    *Handle
	conn *sql.Conn
	tx   *sql.Tx

	mu       sync.Mutex
	finished bool
	once     sync.Once
}

// Begin starts a transaction on a dedicated connection.
func (h *Handle) Begin(ctx context.Context) (*Tx, error) {
	if err := h.enter(); err != nil {
		return nil, err
	}

	conn, err := h.acquire(ctx)
	if err != nil {
		h.inflight.Done()
		return nil, err
	}

	// The transaction lives as long as ctx, so no timeout is layered here.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		h.inflight.Done()
		return nil, h.wrap(fmt.Errorf("begin: %w", err))
	}

	return &Tx{h: h, conn: conn, tx: tx}, nil
}

// Store returns the name of the store the transaction runs on.
func (t *Tx) Store() string {
	return t.h.name
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, stmt string, args ...any) (*Result, error) {
	t.mu.Lock()
	finished := t.finished
	t.mu.Unlock()
	if finished {
		return nil, fmt.Errorf("%s: %w", t.h.name, sql.ErrTxDone)
	}

	qctx, cancel := context.WithTimeout(ctx, t.h.cfg.QueryTimeout)
	defer cancel()

	res, err := run(qctx, t.tx, t.h.Rebind(stmt), args)
	if err != nil {
		return nil, t.h.wrap(err)
	}
	return res, nil
}

// Commit commits and releases the connection.
func (t *Tx) Commit() error {
	if !t.finish() {
		return fmt.Errorf("%s: commit: %w", t.h.name, sql.ErrTxDone)
	}
	defer t.release()

	if err := t.tx.Commit(); err != nil {
		return t.h.wrap(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback rolls back and releases the connection. Rolling back a
// finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if !t.finish() {
		return nil
	}
	defer t.release()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.h.wrap(fmt.Errorf("rollback: %w", err))
	}
	return nil
}

// Release rolls back an unfinished transaction and returns its connection
// to the pool. Safe on every exit path, including after Commit.
func (t *Tx) Release() {
	_ = t.Rollback()
	t.release()
}

// finish marks the transaction done; it returns false if it already was.
func (t *Tx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	t.finished = true
	return true
}

func (t *Tx) release() {
	t.once.Do(func() {
		t.conn.Close()
		t.h.inflight.Done()
	})
}
