// Package storage is the durable record of users, tiers, channels and
// scheduled posts.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq
//   - "memory": process-local maps, for tests and throwaway runs
//
// Lifecycle writes are conditional on the post still being scheduled. A
// write that finds the post in another state reports
// domain.ErrInvalidTransition; callers decide whether that matters.
package storage
