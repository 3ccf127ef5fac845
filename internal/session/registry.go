package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

func routeKey(userID string) string { return "relay:route:" + userID }
func connsKey(userID string) string { return "relay:conns:" + userID }

// Registry maps online users to the instance serving them. The route key
// carries the instance address under a sliding TTL so crashed instances age
// out; the per-user connection set lists connection ids, which are only
// meaningful intersected with the owning instance's local table.
type Registry struct {
	kv     sharedstore.KV
	local  *LocalTable
	addr   string
	cfg    func() config.SessionConfig
	logger log.Logger
}

// NewRegistry binds a registry to this instance's advertise address and
// local connection table.
func NewRegistry(kv sharedstore.KV, local *LocalTable, advertiseAddr string, cfg func() config.SessionConfig, logger log.Logger) *Registry {
	return &Registry{
		kv:     kv,
		local:  local,
		addr:   advertiseAddr,
		cfg:    cfg,
		logger: logger.WithComponent("session"),
	}
}

func (r *Registry) ttl() time.Duration {
	return time.Duration(r.cfg().TTLMs) * time.Millisecond
}

// Register records a new connection: the handle goes into the local table,
// the connection id into the shared set, and the route key is written with
// this instance's address. A reconnect on another instance simply overwrites
// the route, which is the desired last-writer-wins behavior.
func (r *Registry) Register(ctx context.Context, userID, connID string, conn Conn) error {
	r.local.Add(userID, connID, conn)
	if err := r.kv.SAdd(ctx, connsKey(userID), connID); err != nil {
		return fmt.Errorf("record connection id: %w", err)
	}
	if err := r.kv.SetWithTTL(ctx, routeKey(userID), r.addr, r.ttl()); err != nil {
		return fmt.Errorf("record route: %w", err)
	}
	r.logger.Debug("session registered",
		log.Str("user", userID), log.Str("conn", connID))
	return nil
}

// Heartbeat slides the route TTL forward. If the key already expired the
// route is rewritten so an active connection never stays invisible.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	ok, err := r.kv.Expire(ctx, routeKey(userID), r.ttl())
	if err != nil {
		return fmt.Errorf("refresh route: %w", err)
	}
	if !ok {
		if err := r.kv.SetWithTTL(ctx, routeKey(userID), r.addr, r.ttl()); err != nil {
			return fmt.Errorf("rewrite route: %w", err)
		}
	}
	return nil
}

// Remove drops a connection. When the user's last local connection goes
// away the route key is deleted, but only if it still points at this
// instance; a route owned by another instance is left alone.
func (r *Registry) Remove(ctx context.Context, userID, connID string) error {
	last := r.local.Remove(userID, connID)
	if err := r.kv.SRem(ctx, connsKey(userID), connID); err != nil {
		return fmt.Errorf("remove connection id: %w", err)
	}
	if !last {
		return nil
	}
	addr, ok, err := r.kv.Get(ctx, routeKey(userID))
	if err != nil {
		return fmt.Errorf("read route: %w", err)
	}
	if ok && addr == r.addr {
		if err := r.kv.Delete(ctx, routeKey(userID)); err != nil {
			return fmt.Errorf("delete route: %w", err)
		}
	}
	r.logger.Debug("session removed",
		log.Str("user", userID), log.Str("conn", connID))
	return nil
}

// Address resolves the instance currently serving a user. ok is false when
// the user is offline.
func (r *Registry) Address(ctx context.Context, userID string) (string, bool, error) {
	addr, ok, err := r.kv.Get(ctx, routeKey(userID))
	if err != nil {
		return "", false, fmt.Errorf("resolve route: %w", err)
	}
	return addr, ok, nil
}

// IsOnline reports whether a live route exists for the user.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, ok, err := r.Address(ctx, userID)
	return ok, err
}

// LocalConnIDs returns the user's connection ids that this instance owns.
// Ids present in the shared set but absent from the local table belong to
// another instance, or are stale, and are excluded.
func (r *Registry) LocalConnIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.kv.SMembers(ctx, connsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list connection ids: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		if r.local.Has(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// LocalConns resolves the live handles behind LocalConnIDs.
func (r *Registry) LocalConns(ctx context.Context, userID string) ([]Conn, error) {
	ids, err := r.LocalConnIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	conns := make([]Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.local.Get(id); ok {
			conns = append(conns, c)
		}
	}
	return conns, nil
}
