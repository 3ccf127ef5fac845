package delivery

import (
	"context"

	"github.com/rzbill/relay/internal/broadcast"
	"github.com/rzbill/relay/pkg/log"
)

// SinglePusher is the single-chat delivery path.
type SinglePusher interface {
	Push(ctx context.Context, userID string, payload []byte) error
}

// GroupPublisher is the group-chat fan-out path.
type GroupPublisher interface {
	Publish(ctx context.Context, ev broadcast.Event) (string, error)
}

// Dispatcher routes one message to the right delivery path. The sender and
// any configured system participants are removed from the target set
// first; what remains decides the path.
type Dispatcher struct {
	pusher      SinglePusher
	broadcaster GroupPublisher
	systemUsers func() []string
	logger      log.Logger
}

func NewDispatcher(pusher SinglePusher, broadcaster GroupPublisher, systemUsers func() []string, logger log.Logger) *Dispatcher {
	if systemUsers == nil {
		systemUsers = func() []string { return nil }
	}
	return &Dispatcher{
		pusher:      pusher,
		broadcaster: broadcaster,
		systemUsers: systemUsers,
		logger:      logger.WithComponent("dispatcher"),
	}
}

// Dispatch fans ev out. An empty post-filter target set is a no-op; one
// target goes through the pusher; more than one through the broadcast log.
func (d *Dispatcher) Dispatch(ctx context.Context, ev broadcast.Event) error {
	targets := d.filterTargets(ev)
	switch len(targets) {
	case 0:
		return nil
	case 1:
		return d.pusher.Push(ctx, targets[0], ev.Frame())
	default:
		ev.Targets = targets
		_, err := d.broadcaster.Publish(ctx, ev)
		return err
	}
}

// filterTargets removes the sender, system participants, and duplicates
// while keeping the caller's order.
func (d *Dispatcher) filterTargets(ev broadcast.Event) []string {
	excluded := map[string]struct{}{ev.Sender: {}}
	for _, u := range d.systemUsers() {
		excluded[u] = struct{}{}
	}
	out := make([]string, 0, len(ev.Targets))
	for _, target := range ev.Targets {
		if _, skip := excluded[target]; skip {
			continue
		}
		excluded[target] = struct{}{}
		out = append(out, target)
	}
	return out
}
