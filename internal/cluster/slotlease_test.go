package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

func slotCfg(count int) func() config.SlotConfig {
	return func() config.SlotConfig {
		return config.SlotConfig{Count: count, LeaseTTLMs: 15000, HeartbeatMs: 5000}
	}
}

func TestAcquireAssignsDistinctSlots(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	a := NewSlotLease(mem, "chat", slotCfg(4), nil, log.NewTestLogger())
	b := NewSlotLease(mem, "chat", slotCfg(4), nil, log.NewTestLogger())

	slotA, ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	slotB, ok, err := b.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire b: ok=%v err=%v", ok, err)
	}
	if slotA == slotB {
		t.Fatalf("both instances got slot %d", slotA)
	}
}

func TestAcquireExhaustedReturnsNotOK(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	a := NewSlotLease(mem, "chat", slotCfg(1), nil, log.NewTestLogger())
	b := NewSlotLease(mem, "chat", slotCfg(1), nil, log.NewTestLogger())

	if _, ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	_, ok, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if ok {
		t.Fatalf("slot 0 has a live owner, b must not acquire")
	}
}

func TestAcquireReclaimsSelfOwnedSlot(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	l := NewSlotLease(mem, "chat", slotCfg(4), nil, log.NewTestLogger())
	first, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	second, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	if first != second {
		t.Fatalf("reacquire moved from slot %d to %d", first, second)
	}
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	now := time.Now()
	mem.SetClock(func() time.Time { return now })

	l := NewSlotLease(mem, "chat", slotCfg(2), nil, log.NewTestLogger())
	slot, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Renew inside the TTL window, then advance past the original expiry.
	now = now.Add(10 * time.Second)
	l.renew(ctx)
	now = now.Add(10 * time.Second)

	got, held := l.Slot()
	if !held || got != slot {
		t.Fatalf("slot = (%d,%v), want held %d", got, held, slot)
	}
	owner, present, err := mem.Get(ctx, slotKey("chat", slot))
	if err != nil || !present {
		t.Fatalf("lease key gone: present=%v err=%v", present, err)
	}
	if owner != l.token {
		t.Fatalf("owner changed")
	}
}

func TestRenewForeignOwnerEmitsOneLostSignal(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	lost := 0
	l := NewSlotLease(mem, "chat", slotCfg(2), func(int) {
		mu.Lock()
		lost++
		mu.Unlock()
	}, log.NewTestLogger())

	slot, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Another instance took the slot over.
	if err := mem.SetWithTTL(ctx, slotKey("chat", slot), "intruder", time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	l.renew(ctx)
	l.renew(ctx)

	mu.Lock()
	defer mu.Unlock()
	if lost != 1 {
		t.Fatalf("lost signals = %d, want exactly 1", lost)
	}
	if _, held := l.Slot(); held {
		t.Fatalf("lease must be unheld after loss")
	}
}

func TestRenewExpiredKeyLosesLease(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	now := time.Now()
	mem.SetClock(func() time.Time { return now })

	lost := make(chan int, 1)
	l := NewSlotLease(mem, "chat", slotCfg(2), func(s int) { lost <- s }, log.NewTestLogger())
	slot, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	now = now.Add(time.Minute)
	l.renew(ctx)

	select {
	case s := <-lost:
		if s != slot {
			t.Fatalf("lost slot %d, want %d", s, slot)
		}
	default:
		t.Fatalf("expired key should lose the lease")
	}
}

func TestRenewUnavailableStoreKeepsHeldState(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	lost := 0
	l := NewSlotLease(mem, "chat", slotCfg(2), func(int) { lost++ }, log.NewTestLogger())
	if _, ok, err := l.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	mem.SetAvailable(false)
	l.renew(ctx)
	mem.SetAvailable(true)

	if lost != 0 {
		t.Fatalf("transient store outage must not lose the lease")
	}
	if _, held := l.Slot(); !held {
		t.Fatalf("lease should still be held")
	}
}

func TestReleaseDeletesOwnKeyOnly(t *testing.T) {
	mem := sharedstore.NewMemory()
	ctx := context.Background()

	l := NewSlotLease(mem, "chat", slotCfg(2), nil, log.NewTestLogger())
	slot, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	l.Release(ctx)
	if _, present, _ := mem.Get(ctx, slotKey("chat", slot)); present {
		t.Fatalf("release should delete the lease key")
	}

	// A key owned by someone else is left alone.
	slot2, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	if err := mem.SetWithTTL(ctx, slotKey("chat", slot2), "intruder", time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	l.Release(ctx)
	owner, present, _ := mem.Get(ctx, slotKey("chat", slot2))
	if !present || owner != "intruder" {
		t.Fatalf("release must not delete a foreign lease")
	}
}
