package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable tags infrastructure failures of the shared store. Callers
// branch on it to fall back to durable storage instead of propagating.
var ErrUnavailable = errors.New("shared store unavailable")

// IsUnavailable reports whether err is an infrastructure failure (as opposed
// to a logical miss or conflict).
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// CreateOutcome is the tagged result of an atomic create-if-absent.
type CreateOutcome int

const (
	// Created means this caller won the atomic create.
	Created CreateOutcome = iota
	// Exists means another caller created the key first.
	Exists
)

// KV is the shared atomic store: centralized strings and sets with atomic
// increment, TTL expiry, and one-round-trip conditional writes. All
// infrastructure failures come back wrapped in ErrUnavailable.
type KV interface {
	// Get returns (value, true) when the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetWithTTL is the "unconditional set with TTL" atomic operation.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// CreateIfAbsent is the "create-if-absent with TTL" atomic operation.
	CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (CreateOutcome, error)
	Incr(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// Expire refreshes a key's TTL; returns false if the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Entry is one record read from the shared log.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Read cursor sentinels for Stream.ReadGroup, mirroring the shared log's
// group-read semantics.
const (
	// ReadNew asks for entries never delivered to this group.
	ReadNew = ">"
	// ReadPending asks for entries delivered to this group but not yet
	// acknowledged (drained after a restart or identity change).
	ReadPending = "0"
)

// Stream is the capped append-only shared log with grouped, acknowledged,
// at-least-once consumption.
type Stream interface {
	// Append adds one entry, evicting old entries approximately once the log
	// exceeds maxLen. Returns the assigned entry id.
	Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)
	Len(ctx context.Context, stream string) (int64, error)
	// EnsureGroup creates the consumer group at the log tail if absent. Idempotent.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads up to count entries for the group under the given
	// consumer name. cursor is ReadNew or ReadPending. block bounds the wait
	// for ReadNew; a nil slice with nil error means nothing arrived in time.
	ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Store combines the two shared-store surfaces; the redis client and the
// in-memory fake both satisfy it.
type Store interface {
	KV
	Stream
}
