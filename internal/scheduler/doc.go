// Package scheduler runs embedding work off the caller's goroutine.
//
// The pool exposes two priority lanes. High-priority requests (interactive
// query embeddings) are drawn before queued low-priority work (bulk
// re-embedding) but never abort low-priority work already in flight. The
// low lane is a bounded queue: when full, submissions fail immediately with
// types.ErrQueueFull and the caller retries later. High-priority
// submissions bypass that bound up to a separate hard ceiling.
//
// Each request carries a unique id so out-of-order completions re-correlate
// to callers; terminal responses are delivered on a per-request channel
// while unsolicited progress notifications (model download stages during
// reconfiguration) flow on a separate stream.
//
// Reconfiguration is exclusive: Configure waits until no request is queued
// or in flight, rejects new submissions for its duration, and only then
// runs the migration. A request that fails is not retried by the pool;
// retry policy belongs to the caller.
package scheduler
