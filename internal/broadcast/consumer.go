package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/session"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

// SlotSource yields this instance's slot. Acquire may be called again
// after a lease loss; ok is false when no slot is obtainable.
type SlotSource interface {
	Acquire(ctx context.Context) (int, bool, error)
}

// SessionDirectory exposes the locally-owned connections of a user.
type SessionDirectory interface {
	LocalConns(ctx context.Context, userID string) ([]session.Conn, error)
}

type work struct {
	group string
	entry sharedstore.Entry
}

// Consumer reads the broadcast log under a per-instance consumer group and
// delivers each event to the locally-connected targets. An entry is
// acknowledged only when every local delivery for it succeeded; a withheld
// ack leaves the entry pending for redelivery. Losing the slot lease tears
// the consumer down and reinitializes it under a fresh identity.
type Consumer struct {
	stream     sharedstore.Stream
	service    string
	slots      SlotSource
	fallbackID func() (string, bool)
	addr       string
	sessions   SessionDirectory
	alerts     alert.Sink
	cfg        func() config.StreamConfig
	logger     log.Logger

	reinit       chan struct{}
	pendingDirty atomic.Bool
	capLevel     atomic.Int32
}

// NewConsumer wires a consumer. fallbackID is the registry identity source;
// addr is the last link of the identity chain and is always available.
func NewConsumer(stream sharedstore.Stream, service string, slots SlotSource, fallbackID func() (string, bool), addr string, sessions SessionDirectory, alerts alert.Sink, cfg func() config.StreamConfig, logger log.Logger) *Consumer {
	return &Consumer{
		stream:     stream,
		service:    service,
		slots:      slots,
		fallbackID: fallbackID,
		addr:       addr,
		sessions:   sessions,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger.WithComponent("consumer"),
		reinit:     make(chan struct{}, 1),
	}
}

// OnLeaseLost signals the consumer to stop, reset its identity, and
// reacquire. Safe to call from the lease's renewal goroutine; coalesces
// when a reinit is already queued.
func (c *Consumer) OnLeaseLost(int) {
	select {
	case c.reinit <- struct{}{}:
	default:
	}
}

// identity resolves the consumer-group name through the ordered chain:
// slot, then registry identity, then local address. Only the final link
// logs; the chain never blocks startup.
func (c *Consumer) identity(ctx context.Context) string {
	slot, ok, err := c.slots.Acquire(ctx)
	if err == nil && ok {
		return fmt.Sprintf("%s-slot-%d", c.service, slot)
	}
	if id, ok := c.fallbackID(); ok {
		return c.service + "-" + id
	}
	c.logger.Warn("no slot or registry identity, using address", log.Str("addr", c.addr))
	return c.service + "-" + c.addr
}

// Run consumes until ctx is cancelled. Each pass resolves an identity,
// ensures the group, drains entries left pending under that identity, and
// then follows new entries; a lease-lost signal starts the next pass.
func (c *Consumer) Run(ctx context.Context) {
	go c.healthLoop(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		group := c.identity(ctx)
		if err := c.ensureGroup(ctx, group); err != nil {
			c.logger.Warn("group setup failed", log.Str("group", group), log.Err(err))
			if !c.sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}
		c.logger.Info("consuming", log.Str("group", group))
		if !c.consume(ctx, group) {
			return
		}
		c.logger.Info("reinitializing consumer identity", log.Str("group", group))
	}
}

func (c *Consumer) ensureGroup(ctx context.Context, group string) error {
	return c.stream.EnsureGroup(ctx, c.cfg().Name, group)
}

// consume reads for one identity until reinit (returns true) or ctx done
// (returns false). Entries left pending under this identity are drained
// first; a failed delivery marks the pending list dirty so it is swept
// again between new-entry reads.
func (c *Consumer) consume(ctx context.Context, group string) bool {
	sc := c.cfg()
	workers := sc.Workers
	if workers < 1 {
		workers = 1
	}
	queue := sc.WorkerQueue
	if queue < 1 {
		queue = workers
	}
	workCh := make(chan work, queue)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				c.process(ctx, w.group, w.entry)
			}
		}()
	}
	defer func() {
		close(workCh)
		wg.Wait()
	}()

	c.drainPending(ctx, group)
	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.reinit:
			return true
		default:
		}

		if c.pendingDirty.Load() && time.Since(lastSweep) >= time.Second {
			c.pendingDirty.Store(false)
			c.drainPending(ctx, group)
			lastSweep = time.Now()
		}

		sc = c.cfg()
		block := time.Duration(sc.ReadBlockMs) * time.Millisecond
		entries, err := c.stream.ReadGroup(ctx, sc.Name, group, group, sharedstore.ReadNew, sc.ReadBatch, block)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn("broadcast read failed", log.Str("group", group), log.Err(err))
			if !c.sleepOrDone(ctx, time.Second) {
				return false
			}
			continue
		}
		for _, e := range entries {
			select {
			case workCh <- work{group: group, entry: e}:
			case <-ctx.Done():
				return false
			case <-c.reinit:
				return true
			}
		}
	}
}

// drainPending sweeps the group's unacknowledged entries synchronously. A
// pass that acknowledges nothing means every remaining entry is still
// failing, so the sweep stops rather than spinning on them.
func (c *Consumer) drainPending(ctx context.Context, group string) {
	for {
		sc := c.cfg()
		entries, err := c.stream.ReadGroup(ctx, sc.Name, group, group, sharedstore.ReadPending, sc.ReadBatch, 0)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("pending sweep failed", log.Str("group", group), log.Err(err))
			}
			return
		}
		if len(entries) == 0 {
			return
		}
		acked := false
		for _, e := range entries {
			if c.process(ctx, group, e) {
				acked = true
			}
		}
		if !acked {
			return
		}
	}
}

// process handles one entry and reports whether it was acknowledged.
// Entries for another service type, malformed entries, and entries with no
// locally-owned targets are acknowledged without delivery; anything else is
// acknowledged only after every local push succeeded.
func (c *Consumer) process(ctx context.Context, group string, entry sharedstore.Entry) bool {
	ev, err := eventFromEntry(entry)
	if err != nil {
		c.logger.Warn("malformed broadcast entry", log.Err(err))
		return c.ack(ctx, group, entry.ID)
	}
	if ev.Service != c.service {
		return c.ack(ctx, group, entry.ID)
	}

	allOK := true
	frame := ev.Frame()
	for _, target := range ev.Targets {
		if target == ev.Sender {
			continue
		}
		conns, err := c.sessions.LocalConns(ctx, target)
		if err != nil {
			c.logger.Warn("local connection lookup failed",
				log.Str("user", target), log.Err(err))
			allOK = false
			continue
		}
		for _, conn := range conns {
			if err := conn.Push(ctx, frame); err != nil {
				c.logger.Warn("local push failed",
					log.Str("user", target), log.Str("conv", ev.ConvID),
					log.Int64("seq", ev.Seq), log.Err(err))
				allOK = false
			}
		}
	}

	if allOK {
		return c.ack(ctx, group, entry.ID)
	}
	// Withhold the ack: the entry stays pending and is redelivered.
	c.pendingDirty.Store(true)
	return false
}

func (c *Consumer) ack(ctx context.Context, group, id string) bool {
	if err := c.stream.Ack(ctx, c.cfg().Name, group, id); err != nil {
		c.logger.Warn("ack failed", log.Str("entry", id), log.Err(err))
		c.pendingDirty.Store(true)
		return false
	}
	return true
}

// healthLoop watches log length against capacity and escalates at 80% and
// 90% usage, alerting once per level crossing.
func (c *Consumer) healthLoop(ctx context.Context) {
	interval := time.Duration(c.cfg().HealthCheckMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkCapacity(ctx)
		}
	}
}

func (c *Consumer) checkCapacity(ctx context.Context) {
	sc := c.cfg()
	if sc.MaxLen <= 0 {
		return
	}
	length, err := c.stream.Len(ctx, sc.Name)
	if err != nil {
		c.logger.Debug("log length check failed", log.Err(err))
		return
	}
	usage := float64(length) / float64(sc.MaxLen)
	var level int32
	switch {
	case usage >= 0.9:
		level = 2
	case usage >= 0.8:
		level = 1
	}
	prev := c.capLevel.Swap(level)
	if level <= prev {
		return
	}
	sev := alert.SeverityWarning
	if level == 2 {
		sev = alert.SeverityCritical
	}
	c.alerts.Notify(ctx, alert.NewAlert(sev, "consumer", "broadcast log near capacity",
		map[string]string{
			"stream": sc.Name,
			"length": fmt.Sprintf("%d", length),
			"cap":    fmt.Sprintf("%d", sc.MaxLen),
		}))
}

func (c *Consumer) sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
