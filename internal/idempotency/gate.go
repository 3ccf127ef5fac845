// Package idempotency guards persistence against duplicate client
// submissions with a two-state (pending/done) record in the shared store,
// self-healing from durable storage, and the durable uniqueness constraint
// as the final backstop.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/internal/store"
	logpkg "github.com/rzbill/relay/pkg/log"
)

const keyPrefix = "relay:dedup:"

const (
	statePending = "pending"
	stateDone    = "done"
)

// record is the shared-store value for one (conversation, clientMsgId) slot.
type record struct {
	State string `json:"state"`
	Owner string `json:"owner,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

// Result reports whether a submission is a duplicate and, when it is, the
// sequence id assigned to the original.
type Result struct {
	Duplicate bool
	Seq       int64
}

// DurableLookup is the slice of durable storage the gate needs for
// reconstruction.
type DurableLookup interface {
	ByClientMsgID(ctx context.Context, convID, clientMsgID string) (*store.Message, error)
}

// Gate claims (conversation, clientMsgId) slots before persistence.
type Gate struct {
	kv      sharedstore.KV
	durable DurableLookup
	cfg     func() config.DedupConfig
	log     logpkg.Logger
}

// NewGate builds a Gate. cfg is read at point of use so TTL changes take
// effect without restart.
func NewGate(kv sharedstore.KV, durable DurableLookup, cfg func() config.DedupConfig, log logpkg.Logger) *Gate {
	if log == nil {
		log = logpkg.NewTestLogger()
	}
	if cfg == nil {
		def := config.Default().Dedup
		cfg = func() config.DedupConfig { return def }
	}
	return &Gate{kv: kv, durable: durable, cfg: cfg, log: log.WithComponent("idempotency")}
}

func key(convID, clientMsgID string) string { return keyPrefix + convID + ":" + clientMsgID }

// CheckBeforePersist atomically claims the slot. Exactly one concurrent
// caller gets Duplicate=false; the rest eventually observe the original's
// sequence id. Shared-store failure degrades to the durable lookup.
func (g *Gate) CheckBeforePersist(ctx context.Context, convID, clientMsgID string) (Result, error) {
	cfg := g.cfg()
	pending := record{State: statePending, Owner: uuid.NewString()}
	val, _ := json.Marshal(pending)

	out, err := g.kv.CreateIfAbsent(ctx, key(convID, clientMsgID),
		string(val), time.Duration(cfg.PendingTTLMs)*time.Millisecond)
	if err != nil {
		// Shared store down: durable storage is the only authority left.
		return g.checkDurable(ctx, convID, clientMsgID)
	}
	if out == sharedstore.Created {
		return Result{Duplicate: false}, nil
	}

	// Someone else claimed the slot. Wait briefly for them to finish.
	if res, ok := g.spinWait(ctx, convID, clientMsgID, cfg); ok {
		return res, nil
	}
	return g.checkDurable(ctx, convID, clientMsgID)
}

// spinWait polls the record with jittered sleeps within the configured
// budget, returning (result, true) once the record reaches done.
func (g *Gate) spinWait(ctx context.Context, convID, clientMsgID string, cfg config.DedupConfig) (Result, bool) {
	deadline := time.Now().Add(time.Duration(cfg.SpinTotalMs) * time.Millisecond)
	step := time.Duration(cfg.SpinStepMs) * time.Millisecond
	if step <= 0 {
		step = 20 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		v, ok, err := g.kv.Get(ctx, key(convID, clientMsgID))
		if err != nil {
			return Result{}, false
		}
		if ok {
			var rec record
			if json.Unmarshal([]byte(v), &rec) == nil && rec.State == stateDone {
				return Result{Duplicate: true, Seq: rec.Seq}, true
			}
		}
		// Sleep, never busy-loop; jitter avoids herding on the record.
		time.Sleep(step + time.Duration(rand.Int63n(int64(step))))
	}
	return Result{}, false
}

// checkDurable resolves via durable storage: a row means the message went
// through, so rebuild the done record (self-healing) and answer duplicate.
// No row means this is a fresh attempt and the uniqueness constraint is the
// final guard.
func (g *Gate) checkDurable(ctx context.Context, convID, clientMsgID string) (Result, error) {
	msg, err := g.durable.ByClientMsgID(ctx, convID, clientMsgID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Duplicate: false}, nil
	}
	if err != nil {
		return Result{}, err
	}
	g.reconstructDone(ctx, convID, clientMsgID, msg.Seq)
	return Result{Duplicate: true, Seq: msg.Seq}, nil
}

// reconstructDone writes the done record directly. Best effort: the durable
// row already answers the question, the cache write just spares the next reader.
func (g *Gate) reconstructDone(ctx context.Context, convID, clientMsgID string, seq int64) {
	cfg := g.cfg()
	val, _ := json.Marshal(record{State: stateDone, Seq: seq})
	if err := g.kv.SetWithTTL(ctx, key(convID, clientMsgID),
		string(val), time.Duration(cfg.DoneTTLMs)*time.Millisecond); err != nil {
		g.log.Debug("dedup reconstruction skipped", logpkg.Str("conv", convID), logpkg.Err(err))
	}
}

// MarkSuccess transitions the slot to done, recording the assigned sequence.
// Done records never regress to pending; the unconditional set with the long
// TTL replaces whatever state the slot was in.
func (g *Gate) MarkSuccess(ctx context.Context, convID, clientMsgID string, seq int64) error {
	cfg := g.cfg()
	val, _ := json.Marshal(record{State: stateDone, Seq: seq})
	return g.kv.SetWithTTL(ctx, key(convID, clientMsgID),
		string(val), time.Duration(cfg.DoneTTLMs)*time.Millisecond)
}

// HandleDuplicateKeyConflict reconciles a uniqueness violation raised by
// durable storage: some attempt won the insert, so find its row, rebuild the
// done record, and report its sequence. Returns (0, false) when no row exists.
func (g *Gate) HandleDuplicateKeyConflict(ctx context.Context, convID, clientMsgID string) (int64, bool) {
	msg, err := g.durable.ByClientMsgID(ctx, convID, clientMsgID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Warn("conflict lookup failed", logpkg.Str("conv", convID), logpkg.Err(err))
		}
		return 0, false
	}
	g.reconstructDone(ctx, convID, clientMsgID, msg.Seq)
	return msg.Seq, true
}
