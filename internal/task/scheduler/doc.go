// Package scheduler keeps the in-memory timeline of pending post firings.
//
// The timeline is a min-heap of (post id, fire time) entries driven by one
// goroutine. Due entries are handed to the task engine keyed by post id, so
// a post can never have two executions in flight. The scheduler holds no
// post content; the store stays the source of truth.
package scheduler
