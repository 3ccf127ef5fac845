// Package broadcast fans group-chat messages out through the capped shared
// log. The broadcaster appends one event per message; every instance's
// consumer reads the log under its own consumer group, filters each event
// to the targets it holds connections for, and acknowledges an entry only
// once all of its local deliveries succeed.
package broadcast
