// Package store defines the durable message store collaborator and ships an
// embedded Pebble implementation.
//
// The delivery subsystem treats durable storage as external: it only needs
// insert-with-uniqueness, insert-or-bump-on-conflict, client-message-id
// lookup, and per-conversation MAX(sequence). The uniqueness constraint on
// (conversation, client message id) is the final idempotency backstop when
// the shared store is unavailable; insert-or-bump is how two degraded senders
// that computed the same next sequence resolve without a hard failure.
//
// Keyspace (Pebble implementation):
//
//	conv/{conv}/meta              - max assigned sequence (8B BE)
//	conv/{conv}/msg/{seq_be8}     - message JSON
//	conv/{conv}/cmi/{clientMsgId} - sequence index; uniqueness backstop
package store
