package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

func instanceKey(service, id string) string {
	return "relay:instance:" + service + ":" + id
}

func instancesSetKey(service string) string {
	return "relay:instances:" + service
}

// Registry announces this instance to the fleet and resolves peers. The
// per-instance record maps identity to advertise address under a TTL; the
// membership set is pruned lazily when listing, so a crashed instance
// disappears after one TTL.
type Registry struct {
	kv      sharedstore.KV
	service string
	id      string
	addr    string
	cfg     func() config.SlotConfig
	logger  log.Logger

	announced atomic.Bool
}

// NewRegistry builds a registry for this instance. An empty instanceID
// gets a generated one; the id is stable for the process lifetime only.
func NewRegistry(kv sharedstore.KV, service, instanceID, advertiseAddr string, cfg func() config.SlotConfig, logger log.Logger) *Registry {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Registry{
		kv:      kv,
		service: service,
		id:      instanceID,
		addr:    advertiseAddr,
		cfg:     cfg,
		logger:  logger.WithComponent("cluster"),
	}
}

func (r *Registry) ttl() time.Duration {
	return time.Duration(r.cfg().LeaseTTLMs) * time.Millisecond
}

// Announce writes this instance's record and membership. Called once at
// startup and again on every heartbeat tick.
func (r *Registry) Announce(ctx context.Context) error {
	if err := r.kv.SetWithTTL(ctx, instanceKey(r.service, r.id), r.addr, r.ttl()); err != nil {
		return fmt.Errorf("announce instance: %w", err)
	}
	if err := r.kv.SAdd(ctx, instancesSetKey(r.service), r.id); err != nil {
		return fmt.Errorf("join membership: %w", err)
	}
	r.announced.Store(true)
	return nil
}

// Identity returns this instance's registry identity. ok is false until a
// successful Announce, which is what makes the identity "best effort": a
// caller that needs a name before the shared store has ever been reachable
// must fall back.
func (r *Registry) Identity() (string, bool) {
	return r.id, r.announced.Load()
}

// Address is this instance's advertise address.
func (r *Registry) Address() string { return r.addr }

// Healthy lists identities with a live record, pruning members whose
// record has expired.
func (r *Registry) Healthy(ctx context.Context) ([]string, error) {
	ids, err := r.kv.SMembers(ctx, instancesSetKey(r.service))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		ok, err := r.kv.Exists(ctx, instanceKey(r.service, id))
		if err != nil {
			return nil, fmt.Errorf("check member %s: %w", id, err)
		}
		if !ok {
			_ = r.kv.SRem(ctx, instancesSetKey(r.service), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// AddressOf resolves a peer identity. ok is false for unknown or expired
// identities.
func (r *Registry) AddressOf(ctx context.Context, id string) (string, bool, error) {
	addr, ok, err := r.kv.Get(ctx, instanceKey(r.service, id))
	if err != nil {
		return "", false, fmt.Errorf("resolve instance %s: %w", id, err)
	}
	return addr, ok, nil
}

// Run re-announces on the heartbeat interval until ctx is cancelled, then
// withdraws the record. Announce failures are logged and retried on the
// next tick; they never stop the loop.
func (r *Registry) Run(ctx context.Context) {
	interval := time.Duration(r.cfg().HeartbeatMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.withdraw()
			return
		case <-ticker.C:
			if err := r.Announce(ctx); err != nil {
				r.logger.Warn("instance heartbeat failed", log.Err(err))
			}
		}
	}
}

func (r *Registry) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.kv.Delete(ctx, instanceKey(r.service, r.id)); err != nil {
		r.logger.Debug("instance withdraw failed", log.Err(err))
	}
	_ = r.kv.SRem(ctx, instancesSetKey(r.service), r.id)
}
