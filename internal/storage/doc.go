// Package storage persists the live membership snapshot of each watched
// group: one row per (group, member) holding the cached display name, avatar
// reference and last-seen time.
//
// Drivers:
//   - "sqlite": durable SQLite file (modernc.org/sqlite, pure Go)
//   - "memory": process-local map, used by tests and dry runs
//
// The table only ever reflects current membership. Rows are deleted as soon
// as a departure is confirmed; no history is kept.
package storage
