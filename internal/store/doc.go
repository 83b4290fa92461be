// Package store provides the Store Handle: one logical connection to one
// backing relational store (PostgreSQL via lib/pq or pgx, or SQLite).
//
// A Handle exposes three primitives:
//   - Execute: run one statement on a pooled connection
//   - Begin: open a transaction on a dedicated connection (Tx)
//   - Probe: ping the store and update the liveness flag
//
// # Timeouts
//
// Acquiring a connection is bounded by ConnectTimeout, separately from the
// pool's IdleTimeout eviction and the per-statement QueryTimeout, so a dead
// store fails fast instead of hanging the caller. Pool exhaustion and a
// down store both surface as ErrUnreachable.
//
// # Placeholders
//
// Statements are written with '?' placeholders and rebound to '$n' for
// PostgreSQL drivers. The embedded schema is portable across both dialects.
//
// # Lifecycle
//
// Handles never retry. Close drains in-flight statements and open
// transactions before closing the pool.
package store
