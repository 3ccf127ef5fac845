// Package sharedstore abstracts the cross-instance shared atomic store and
// the capped append-only shared log.
//
// Two implementations exist: Client speaks to Redis (strings, sets, SET NX PX,
// INCR, and Streams with consumer groups), Memory is an in-process fake with
// TTLs, group cursors, and a switchable unavailable mode for tests and
// single-node development.
//
// Failure tagging: every infrastructure failure is wrapped in ErrUnavailable
// so callers can branch to their durable-storage fallback with
// sharedstore.IsUnavailable(err) instead of inspecting driver errors. Logical
// outcomes (missing key, lost create race) are values, not errors.
package sharedstore
