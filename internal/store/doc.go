// Package store provides SQLite-backed durable storage for branch change
// logs, discussion anchors and document checkpoints.
//
// # Critical Patterns
//
// Slot claiming
//   - PRIMARY KEY(branch_id, key) on changes
//   - INSERT ... ON CONFLICT DO NOTHING, then RowsAffected decides the
//     winner, so two clients racing for the same key get exactly one commit
//
// Commit order
//   - Records are published to live subscribers while the write lock is
//     held, so subscribers observe keys in commit order
//
// Discussion revisions
//   - Each discussion row carries a rev bumped on every write, which lets a
//     remote transport run compare-and-set updates
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
