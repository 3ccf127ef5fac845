// Package sequence assigns per-conversation, monotonically increasing message
// sequence numbers backed by an atomic counter in the shared store, with a
// degraded fallback to durable-storage MAX when the store is unreachable.
package sequence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/relay/internal/sharedstore"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// MaxSequenceReader is the slice of durable storage the generator needs.
type MaxSequenceReader interface {
	MaxSequence(ctx context.Context, convID string) (int64, error)
}

const (
	counterKeyPrefix = "relay:seq:"
	initLockPrefix   = "relay:seq:init:"
	initLockTTL      = 3 * time.Second
	initLockRetries  = 6
	initLockRetryGap = 50 * time.Millisecond
)

// Generator hands out sequence numbers. Counters are created lazily on first
// assignment, initialized from durable MAX, and never deleted.
type Generator struct {
	kv      sharedstore.KV
	durable MaxSequenceReader
	log     logpkg.Logger
}

// NewGenerator builds a Generator.
func NewGenerator(kv sharedstore.KV, durable MaxSequenceReader, log logpkg.Logger) *Generator {
	if log == nil {
		log = logpkg.NewTestLogger()
	}
	return &Generator{kv: kv, durable: durable, log: log.WithComponent("sequence")}
}

func counterKey(convID string) string { return counterKeyPrefix + convID }
func lockKey(convID string) string    { return initLockPrefix + convID }

// Assign returns the next sequence id for the conversation and whether the
// shared store served it. When usedSharedStore is false the caller must
// persist with the bump-on-conflict idiom: two racing degraded callers
// compute the same durable MAX + 1.
func (g *Generator) Assign(ctx context.Context, convID string) (seq int64, usedSharedStore bool, err error) {
	exists, err := g.kv.Exists(ctx, counterKey(convID))
	if err != nil {
		return g.assignDegraded(ctx, convID)
	}
	if exists {
		n, err := g.kv.Incr(ctx, counterKey(convID))
		if err != nil {
			return g.assignDegraded(ctx, convID)
		}
		return n, true, nil
	}
	return g.assignSlow(ctx, convID)
}

// assignSlow initializes the counter from durable MAX under a short
// per-conversation lock, then increments.
func (g *Generator) assignSlow(ctx context.Context, convID string) (int64, bool, error) {
	token := uuid.NewString()
	locked := false
	for i := 0; i < initLockRetries; i++ {
		out, err := g.kv.CreateIfAbsent(ctx, lockKey(convID), token, initLockTTL)
		if err != nil {
			return g.assignDegraded(ctx, convID)
		}
		if out == sharedstore.Created {
			locked = true
			break
		}
		// Another caller is initializing; give it a moment, then re-check
		// whether the counter appeared.
		time.Sleep(initLockRetryGap)
		exists, err := g.kv.Exists(ctx, counterKey(convID))
		if err != nil {
			return g.assignDegraded(ctx, convID)
		}
		if exists {
			n, err := g.kv.Incr(ctx, counterKey(convID))
			if err != nil {
				return g.assignDegraded(ctx, convID)
			}
			return n, true, nil
		}
	}
	if !locked {
		// Lock holder stalled; the counter is still absent. Degrade rather
		// than block the send path.
		return g.assignDegraded(ctx, convID)
	}
	defer func() {
		if v, ok, err := g.kv.Get(ctx, lockKey(convID)); err == nil && ok && v == token {
			_ = g.kv.Delete(ctx, lockKey(convID))
		}
	}()

	// Double-check under the lock.
	exists, err := g.kv.Exists(ctx, counterKey(convID))
	if err != nil {
		return g.assignDegraded(ctx, convID)
	}
	if !exists {
		maxSeq, err := g.durable.MaxSequence(ctx, convID)
		if err != nil {
			return 0, false, fmt.Errorf("init sequence counter for %s: %w", convID, err)
		}
		if err := g.kv.Set(ctx, counterKey(convID), strconv.FormatInt(maxSeq, 10)); err != nil {
			return g.assignDegraded(ctx, convID)
		}
	}
	n, err := g.kv.Incr(ctx, counterKey(convID))
	if err != nil {
		return g.assignDegraded(ctx, convID)
	}
	return n, true, nil
}

// assignDegraded computes durable MAX + 1 without touching the shared store.
// A read failure degrades further to MAX=0 so the send path never blocks on
// infrastructure; the bump-on-conflict persistence idiom resolves collisions.
func (g *Generator) assignDegraded(ctx context.Context, convID string) (int64, bool, error) {
	maxSeq, err := g.durable.MaxSequence(ctx, convID)
	if err != nil {
		g.log.Warn("degraded sequence read failed, assuming empty conversation",
			logpkg.Str("conv", convID), logpkg.Err(err))
		maxSeq = 0
	}
	return maxSeq + 1, false, nil
}

// ProbeLatest returns the latest assigned sequence without writing or
// locking: live counter first, then durable MAX, else 0.
func (g *Generator) ProbeLatest(ctx context.Context, convID string) int64 {
	if v, ok, err := g.kv.Get(ctx, counterKey(convID)); err == nil && ok {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			return n
		}
	}
	maxSeq, err := g.durable.MaxSequence(ctx, convID)
	if err != nil {
		return 0
	}
	return maxSeq
}
