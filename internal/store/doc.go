// Package store is the SQLite graph engine behind the coordinator.
//
// Vertices and edges live in ordinary tables with a version column used for
// optimistic concurrency. Each session owns one dedicated connection, and
// every write runs in its own immediate transaction.
//
// # Concurrency Rules
//
// Edge creation bumps the version of both endpoints with a compare-and-set
// UPDATE. If either endpoint changed since the caller read it, the
// transaction rolls back and the session reports CodeConflict; the caller
// reloads and tries again.
//
// # Mutation Journal
//
// A session bound to a mutation records one mutation_journal row in the
// same transaction as the write. The row is keyed by the 16-byte operation
// unit id, so replaying the same unit is a no-op.
//
// # Database Configuration
//
// Applied per connection through the DSN:
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Removing a vertex removes its edges
//   - txlock=immediate: Writers take the lock at BEGIN
//
// All queries that return lists order by id so results are deterministic.
package store
