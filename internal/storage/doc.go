// Package storage persists the two pieces of engine state that must survive
// restarts: the delivery ledger (which reminders have already been sent) and
// RSVP responses.
//
// Drivers:
//   - "file": single JSON document, full-state rewrite under a mutex
//   - "sqlite": SQLite database file (WAL, single writer)
//
// The ledger record is the sole idempotency guard: once a
// (tenant, key, offset) row exists the corresponding reminder is never
// dispatched again. Records age out after the retention horizon.
package storage
