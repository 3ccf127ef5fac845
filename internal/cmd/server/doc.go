// Package serverrun wires the full delivery pipeline and runs it until the
// context is cancelled: durable and shared stores, sequence generator,
// idempotency gate, session registry, slot lease, broadcast consumer, and
// the HTTP surface.
package serverrun
