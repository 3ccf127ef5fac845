package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/pkg/log"
)

// Resolver looks up a user's current owning-instance address. ok is false
// when the user is offline.
type Resolver interface {
	Address(ctx context.Context, userID string) (string, bool, error)
}

// Sender performs one delivery attempt against a concrete address.
type Sender interface {
	Attempt(ctx context.Context, userID, addr string, payload []byte) error
}

// Scheduler drives a delivery through the configured delay schedule. The
// first attempt runs immediately; each later attempt re-resolves the
// target's address so a user who migrated instances mid-sequence is still
// reached. Exhausting the schedule raises one final-failure alert and
// abandons the payload; durable storage retains the message for pull-based
// resync, so abandonment is never fatal to the original send.
type Scheduler struct {
	wheel    *Wheel
	resolver Resolver
	sender   Sender
	alerts   alert.Sink
	cfg      func() config.RetryConfig
	logger   log.Logger
}

func NewScheduler(wheel *Wheel, resolver Resolver, sender Sender, alerts alert.Sink, cfg func() config.RetryConfig, logger log.Logger) *Scheduler {
	return &Scheduler{
		wheel:    wheel,
		resolver: resolver,
		sender:   sender,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger.WithComponent("retry"),
	}
}

// ExecuteWithRetry starts the attempt sequence and returns immediately.
// The sequence is detached from the caller's context: the send call has
// already completed by the time retries run.
func (s *Scheduler) ExecuteWithRetry(userID string, payload []byte, initialAddr string) {
	delays := BuildSchedule(s.cfg())
	go s.run(userID, payload, initialAddr, delays, 0)
}

func (s *Scheduler) run(userID string, payload []byte, addr string, delays []time.Duration, attempt int) {
	ctx := context.Background()
	err := s.sender.Attempt(ctx, userID, addr, payload)
	if err == nil {
		if attempt > 0 {
			s.logger.Debug("push recovered",
				log.Str("user", userID), log.Int("attempt", attempt+1))
		}
		return
	}
	if attempt >= len(delays) {
		s.logger.Warn("push abandoned",
			log.Str("user", userID), log.Int("attempts", attempt+1), log.Err(err))
		s.alerts.Notify(ctx, alert.NewAlert(alert.SeverityWarning, "retry",
			"push retries exhausted", map[string]string{
				"user":     userID,
				"attempts": fmt.Sprintf("%d", attempt+1),
				"error":    err.Error(),
			}))
		return
	}
	s.wheel.Schedule(delays[attempt], func() {
		next, ok, rerr := s.resolver.Address(ctx, userID)
		if rerr != nil {
			// Resolution is a shared-store read; a blip there must not end
			// the sequence. Retry against the last known address.
			s.logger.Warn("address re-resolution failed",
				log.Str("user", userID), log.Err(rerr))
			s.run(userID, payload, addr, delays, attempt+1)
			return
		}
		if !ok {
			// Target went offline; the message waits for pull-based catch-up.
			s.logger.Debug("target offline mid-retry", log.Str("user", userID))
			return
		}
		s.run(userID, payload, next, delays, attempt+1)
	})
}

// BuildSchedule derives the delay sequence from live config. An explicit
// override list wins verbatim. Otherwise the sequence starts at the first
// delay and multiplies up to the cap, one entry per attempt, each entry
// floored at 1ms. A non-positive attempt count cannot be represented on
// the wheel and silently substitutes the bounded default.
func BuildSchedule(cfg config.RetryConfig) []time.Duration {
	if len(cfg.OverrideMs) > 0 {
		out := make([]time.Duration, len(cfg.OverrideMs))
		for i, ms := range cfg.OverrideMs {
			out[i] = time.Duration(ms) * time.Millisecond
		}
		return out
	}
	if cfg.MaxAttempts <= 0 {
		cfg = config.Default().Retry
	}
	first := cfg.FirstDelayMs
	if first < 1 {
		first = 1
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	ceil := cfg.MaxDelayMs
	if ceil < 1 {
		ceil = first
	}
	out := make([]time.Duration, 0, cfg.MaxAttempts)
	d := float64(first)
	for i := 0; i < cfg.MaxAttempts; i++ {
		v := int64(d)
		if v > ceil {
			v = ceil
		}
		if v < 1 {
			v = 1
		}
		out = append(out, time.Duration(v)*time.Millisecond)
		d *= mult
	}
	return out
}
