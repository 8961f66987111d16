// Package storage persists schedules and run records.
//
// Drivers:
//   - memory: in-process map (default, tests)
//   - file: JSON snapshot + JSONL run journal guarded by an advisory file lock
//   - sqlite: modernc.org/sqlite
//   - postgres: jackc/pgx via database/sql
//   - redis: go-redis hash + sorted sets, CAS in Lua
//
// Every driver implements the same Store contract; see storetest for the
// shared conformance suite.
package storage
