// Package backoff computes and arms reconnect timers.
//
// Delays grow exponentially from a base and are capped; the scheduler
// refuses to arm once the attempt budget is spent. A pending timer is
// always cancellable, so teardown never races a stale reconnect.
package backoff
