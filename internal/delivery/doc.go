// Package delivery ties the send pipeline together: idempotency check,
// sequence assignment, durable persistence, then fan-out. The dispatcher
// routes a message to the single-chat push path or the group broadcast
// path from the size of the target set after the sender is removed.
package delivery
