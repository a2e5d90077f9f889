// Package notifier delivers short messages to users and admins off the
// caller's goroutine.
//
// Notifications go through a bounded queue drained by a small worker pool.
// Sends share one token bucket, failed sends are retried with jittered
// exponential backoff, and identical messages to the same chat are
// suppressed inside a dedup window. Notify never blocks: a full queue drops
// the message and reports ErrQueueFull.
//
// Publication outcomes, /broadcast fan-out and the daily admin digest all
// use this package; none of them may hold up the publication path.
package notifier
