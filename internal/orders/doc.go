// Package orders implements the order auto-lock state machine.
//
// A pending order locks automatically once its order date is at least
// auto_lock_days old, unless a privileged actor has manually unlocked it.
// Manual unlock is permanent for the automatic path: only an explicit
// manual lock sets locked again. Every transition, automatic or manual,
// appends a row to order_lock_audit and emits an audit event.
//
// There is no background scheduler. Sweep is an explicit, idempotent step;
// Service calls it synchronously before every list or read of orders.
package orders
