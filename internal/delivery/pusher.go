package delivery

import (
	"context"
	"fmt"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/retry"
	"github.com/rzbill/relay/internal/session"
	"github.com/rzbill/relay/internal/transport"
	"github.com/rzbill/relay/pkg/log"
)

// SessionDirectory is the slice of the session registry the pusher needs:
// route resolution plus this instance's own connection handles.
type SessionDirectory interface {
	Address(ctx context.Context, userID string) (string, bool, error)
	LocalConns(ctx context.Context, userID string) ([]session.Conn, error)
}

// Pusher drives single-chat delivery. It resolves the target's owning
// instance, hands the attempt sequence to the retry scheduler, and serves
// as the scheduler's Sender: each attempt goes over the transport, with
// the self-target outcome short-circuiting into local connections.
type Pusher struct {
	sessions  SessionDirectory
	transport transport.Transport
	sched     *retry.Scheduler
	logger    log.Logger
}

func NewPusher(wheel *retry.Wheel, sessions SessionDirectory, tr transport.Transport, alerts alert.Sink, cfg func() config.RetryConfig, logger log.Logger) *Pusher {
	p := &Pusher{
		sessions:  sessions,
		transport: tr,
		logger:    logger.WithComponent("pusher"),
	}
	p.sched = retry.NewScheduler(wheel, sessions, p, alerts, cfg, logger)
	return p
}

// Push delivers payload to userID. An offline target is a no-op: the
// message is already durable and waits for pull-based catch-up.
func (p *Pusher) Push(ctx context.Context, userID string, payload []byte) error {
	addr, ok, err := p.sessions.Address(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	if !ok {
		p.logger.Debug("target offline, skipping push", log.Str("user", userID))
		return nil
	}
	p.sched.ExecuteWithRetry(userID, payload, addr)
	return nil
}

// Attempt is one delivery try, called by the retry scheduler.
func (p *Pusher) Attempt(ctx context.Context, userID, addr string, payload []byte) error {
	status := p.transport.Send(ctx, addr, transport.Envelope{
		TargetUser: userID,
		Payload:    payload,
	})
	switch status {
	case transport.StatusSent:
		return nil
	case transport.StatusSelfTarget:
		return p.DeliverLocal(ctx, userID, payload)
	default:
		return fmt.Errorf("transport to %s: %s", addr, status)
	}
}

// DeliverLocal pushes payload to every local connection of userID. Also
// the entry point for envelopes arriving from peer instances. A user with
// no local connections is not an error: they disconnected after routing.
func (p *Pusher) DeliverLocal(ctx context.Context, userID string, payload []byte) error {
	conns, err := p.sessions.LocalConns(ctx, userID)
	if err != nil {
		return fmt.Errorf("local connections: %w", err)
	}
	var firstErr error
	for _, conn := range conns {
		if err := conn.Push(ctx, payload); err != nil {
			p.logger.Warn("local push failed", log.Str("user", userID), log.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
