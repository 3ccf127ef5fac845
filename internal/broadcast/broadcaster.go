package broadcast

import (
	"context"
	"fmt"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/pkg/log"
)

// Broadcaster appends events to the shared log. The length cap is
// approximate: eviction favors throughput over an exact bound.
type Broadcaster struct {
	stream sharedstore.Stream
	cfg    func() config.StreamConfig
	logger log.Logger
}

func NewBroadcaster(stream sharedstore.Stream, cfg func() config.StreamConfig, logger log.Logger) *Broadcaster {
	return &Broadcaster{
		stream: stream,
		cfg:    cfg,
		logger: logger.WithComponent("broadcast"),
	}
}

// Publish appends one event and returns its log id.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) (string, error) {
	sc := b.cfg()
	values, err := ev.values()
	if err != nil {
		return "", err
	}
	id, err := b.stream.Append(ctx, sc.Name, values, sc.MaxLen)
	if err != nil {
		return "", fmt.Errorf("append broadcast: %w", err)
	}
	b.logger.Debug("broadcast published",
		log.Str("conv", ev.ConvID), log.Int64("seq", ev.Seq), log.Str("entry", id))
	return id, nil
}
