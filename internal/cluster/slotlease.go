package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

func slotKey(service string, slot int) string {
	return fmt.Sprintf("relay:slot:%s:%d", service, slot)
}

// LeaseState is the slot lease's lifecycle position.
type LeaseState int

const (
	LeaseUnheld LeaseState = iota
	LeaseHeld
)

// SlotLease claims one slot in [0, N) for this instance and keeps it alive
// with TTL renewals. At most one live owner exists per slot; a renewal that
// observes a foreign owner or an absent key means the lease is gone, and
// the manager emits exactly one lost signal per loss. It does not reacquire
// on its own: the dependent decides when to call Acquire again.
type SlotLease struct {
	kv      sharedstore.KV
	service string
	token   string
	cfg     func() config.SlotConfig
	onLost  func(slot int)
	logger  log.Logger

	mu    sync.Mutex
	state LeaseState
	slot  int
}

// NewSlotLease builds an unheld lease manager. onLost runs on the renewal
// goroutine, once per Held to Unheld transition; it may be nil.
func NewSlotLease(kv sharedstore.KV, service string, cfg func() config.SlotConfig, onLost func(slot int), logger log.Logger) *SlotLease {
	return &SlotLease{
		kv:      kv,
		service: service,
		token:   uuid.NewString(),
		cfg:     cfg,
		onLost:  onLost,
		logger:  logger.WithComponent("slotlease"),
		state:   LeaseUnheld,
	}
}

func (l *SlotLease) ttl() time.Duration {
	return time.Duration(l.cfg().LeaseTTLMs) * time.Millisecond
}

// Acquire scans slots 0..N-1 and claims the first that is free or already
// self-owned. ok is false when every slot has a live foreign owner; callers
// fall back to a slot-less identity.
func (l *SlotLease) Acquire(ctx context.Context) (int, bool, error) {
	count := l.cfg().Count
	for slot := 0; slot < count; slot++ {
		outcome, err := l.kv.CreateIfAbsent(ctx, slotKey(l.service, slot), l.token, l.ttl())
		if err != nil {
			return 0, false, fmt.Errorf("claim slot %d: %w", slot, err)
		}
		if outcome == sharedstore.Created {
			l.hold(slot)
			l.logger.Info("slot acquired", log.Int("slot", slot))
			return slot, true, nil
		}
		owner, present, err := l.kv.Get(ctx, slotKey(l.service, slot))
		if err != nil {
			return 0, false, fmt.Errorf("inspect slot %d: %w", slot, err)
		}
		if present && owner == l.token {
			// Our own lease from a prior acquire; refresh and keep it.
			if err := l.kv.SetWithTTL(ctx, slotKey(l.service, slot), l.token, l.ttl()); err != nil {
				return 0, false, fmt.Errorf("refresh slot %d: %w", slot, err)
			}
			l.hold(slot)
			return slot, true, nil
		}
	}
	l.logger.Warn("no slot obtainable", log.Int("slots", count))
	return 0, false, nil
}

func (l *SlotLease) hold(slot int) {
	l.mu.Lock()
	l.state = LeaseHeld
	l.slot = slot
	l.mu.Unlock()
}

// Slot reports the held slot. ok is false while Unheld.
func (l *SlotLease) Slot() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot, l.state == LeaseHeld
}

// Run renews the lease on the heartbeat interval until ctx is cancelled,
// then releases it. While Unheld the loop idles; it does not reacquire.
func (l *SlotLease) Run(ctx context.Context) {
	interval := time.Duration(l.cfg().HeartbeatMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Release(context.Background())
			return
		case <-ticker.C:
			l.renew(ctx)
		}
	}
}

// renew refreshes the TTL when the key still carries our token. A foreign
// owner or an absent key transitions to Unheld and fires onLost. Store
// unavailability is transient: the lease may still be alive server-side,
// so we keep the Held state and try again next tick.
func (l *SlotLease) renew(ctx context.Context) {
	l.mu.Lock()
	if l.state != LeaseHeld {
		l.mu.Unlock()
		return
	}
	slot := l.slot
	l.mu.Unlock()

	owner, present, err := l.kv.Get(ctx, slotKey(l.service, slot))
	if err != nil {
		l.logger.Warn("lease renewal check failed", log.Int("slot", slot), log.Err(err))
		return
	}
	if !present || owner != l.token {
		l.lose(slot, owner, present)
		return
	}
	// Get-then-set leaves a window: if the key expires between the two round
	// trips and a peer claims the slot, this set overwrites the peer's token.
	// The store's primitive set has no compare-and-set, so the guard is the
	// heartbeat running well under the TTL; a check-then-set script would
	// close the window outright if the primitive ever grows one.
	if err := l.kv.SetWithTTL(ctx, slotKey(l.service, slot), l.token, l.ttl()); err != nil {
		l.logger.Warn("lease refresh failed", log.Int("slot", slot), log.Err(err))
	}
}

func (l *SlotLease) lose(slot int, owner string, present bool) {
	l.mu.Lock()
	if l.state != LeaseHeld || l.slot != slot {
		l.mu.Unlock()
		return
	}
	l.state = LeaseUnheld
	l.mu.Unlock()

	if present {
		l.logger.Warn("slot lease lost to foreign owner", log.Int("slot", slot), log.Str("owner", owner))
	} else {
		l.logger.Warn("slot lease expired", log.Int("slot", slot))
	}
	if l.onLost != nil {
		l.onLost(slot)
	}
}

// Release deletes the lease key if we still own it and goes Unheld
// without firing onLost. Used on clean shutdown.
func (l *SlotLease) Release(ctx context.Context) {
	l.mu.Lock()
	if l.state != LeaseHeld {
		l.mu.Unlock()
		return
	}
	slot := l.slot
	l.state = LeaseUnheld
	l.mu.Unlock()

	owner, present, err := l.kv.Get(ctx, slotKey(l.service, slot))
	if err != nil || !present || owner != l.token {
		return
	}
	if err := l.kv.Delete(ctx, slotKey(l.service, slot)); err != nil {
		l.logger.Debug("lease release failed", log.Int("slot", slot), log.Err(err))
	}
}
