package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/pkg/log"
)

func TestBuildScheduleDerivation(t *testing.T) {
	got := BuildSchedule(config.RetryConfig{
		FirstDelayMs: 1000,
		Multiplier:   2,
		MaxDelayMs:   16000,
		MaxAttempts:  5,
	})
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBuildScheduleCapApplies(t *testing.T) {
	got := BuildSchedule(config.RetryConfig{
		FirstDelayMs: 1000,
		Multiplier:   10,
		MaxDelayMs:   3000,
		MaxAttempts:  3,
	})
	want := []time.Duration{time.Second, 3 * time.Second, 3 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBuildScheduleOverrideVerbatim(t *testing.T) {
	got := BuildSchedule(config.RetryConfig{
		FirstDelayMs: 1000,
		Multiplier:   2,
		MaxDelayMs:   16000,
		MaxAttempts:  5,
		OverrideMs:   []int64{500, 500},
	})
	if len(got) != 2 || got[0] != 500*time.Millisecond || got[1] != 500*time.Millisecond {
		t.Fatalf("override not verbatim: %v", got)
	}
}

func TestBuildScheduleInfiniteSubstitutesDefault(t *testing.T) {
	got := BuildSchedule(config.RetryConfig{FirstDelayMs: 100, Multiplier: 2, MaxAttempts: 0})
	def := BuildSchedule(config.Default().Retry)
	if len(got) != len(def) {
		t.Fatalf("len = %d, want bounded default %d", len(got), len(def))
	}
	for i := range def {
		if got[i] != def[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, got[i], def[i])
		}
	}
}

func TestBuildScheduleFloorsAtOneMs(t *testing.T) {
	got := BuildSchedule(config.RetryConfig{FirstDelayMs: 0, Multiplier: 2, MaxDelayMs: 10, MaxAttempts: 2})
	if got[0] < time.Millisecond {
		t.Fatalf("delay[0] = %v, want >= 1ms", got[0])
	}
}

type scriptedSender struct {
	mu       sync.Mutex
	failures int
	attempts []string
	done     chan struct{}
}

func (s *scriptedSender) Attempt(_ context.Context, _, addr string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, addr)
	if s.failures > 0 {
		s.failures--
		return errors.New("connect failed")
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

type mapResolver struct {
	mu    sync.Mutex
	addrs map[string]string
}

func (r *mapResolver) Address(_ context.Context, userID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.addrs[userID]
	return a, ok, nil
}

type failingResolver struct {
	mu sync.Mutex
	n  int
}

func (r *failingResolver) Address(_ context.Context, _ string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return "", false, errors.New("store unavailable")
}

func (r *failingResolver) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type alertCounter struct {
	mu   sync.Mutex
	n    int
	done chan struct{}
}

func (c *alertCounter) Notify(_ context.Context, _ alert.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *alertCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func fastCfg(overrideMs ...int64) func() config.RetryConfig {
	return func() config.RetryConfig {
		return config.RetryConfig{FirstDelayMs: 1, Multiplier: 2, MaxDelayMs: 10, MaxAttempts: 3, OverrideMs: overrideMs}
	}
}

func TestExecuteSucceedsAfterRetry(t *testing.T) {
	w := NewWheel(time.Millisecond, 32)
	defer w.Stop()

	sender := &scriptedSender{failures: 1, done: make(chan struct{})}
	done := sender.done
	resolver := &mapResolver{addrs: map[string]string{"u1": "b:8080"}}
	alerts := &alertCounter{}
	s := NewScheduler(w, resolver, sender, alerts, fastCfg(1, 1), log.NewTestLogger())

	s.ExecuteWithRetry("u1", []byte("hi"), "a:8080")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("never succeeded")
	}
	if alerts.count() != 0 {
		t.Fatalf("alert raised on eventual success")
	}
	// The retry re-resolved and used the current address.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.attempts[0] != "a:8080" || sender.attempts[1] != "b:8080" {
		t.Fatalf("attempts = %v", sender.attempts)
	}
}

func TestExecuteExhaustionAlertsOnce(t *testing.T) {
	w := NewWheel(time.Millisecond, 32)
	defer w.Stop()

	sender := &scriptedSender{failures: 100}
	resolver := &mapResolver{addrs: map[string]string{"u1": "a:8080"}}
	alerts := &alertCounter{done: make(chan struct{})}
	done := alerts.done
	s := NewScheduler(w, resolver, sender, alerts, fastCfg(1, 1), log.NewTestLogger())

	s.ExecuteWithRetry("u1", []byte("hi"), "a:8080")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no exhaustion alert")
	}
	if got := sender.count(); got != 3 {
		t.Fatalf("attempts = %d, want initial plus two retries", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want exactly one", alerts.count())
	}
}

func TestExecuteContinuesOnResolverError(t *testing.T) {
	// A shared-store blip during re-resolution must not end the sequence:
	// the retry falls back to the last known address and the schedule keeps
	// counting toward the exhaustion alert.
	w := NewWheel(time.Millisecond, 32)
	defer w.Stop()

	sender := &scriptedSender{failures: 100}
	resolver := &failingResolver{}
	alerts := &alertCounter{done: make(chan struct{})}
	done := alerts.done
	s := NewScheduler(w, resolver, sender, alerts, fastCfg(1, 1), log.NewTestLogger())

	s.ExecuteWithRetry("u1", []byte("hi"), "a:8080")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no exhaustion alert")
	}
	if got := sender.count(); got != 3 {
		t.Fatalf("attempts = %d, want initial plus two retries", got)
	}
	if got := resolver.calls(); got != 2 {
		t.Fatalf("resolver calls = %d, want one per retry", got)
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want exactly one", alerts.count())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, addr := range sender.attempts {
		if addr != "a:8080" {
			t.Fatalf("attempt %d used %q, want the last known address", i, addr)
		}
	}
}

func TestExecuteResolverRecoversMidSequence(t *testing.T) {
	// First retry resolves against a dead store, second sees the fresh
	// address once the store is back.
	w := NewWheel(time.Millisecond, 32)
	defer w.Stop()

	sender := &scriptedSender{failures: 2, done: make(chan struct{})}
	done := sender.done
	resolver := &flakyResolver{failures: 1, addr: "b:8080"}
	alerts := &alertCounter{}
	s := NewScheduler(w, resolver, sender, alerts, fastCfg(1, 1), log.NewTestLogger())

	s.ExecuteWithRetry("u1", []byte("hi"), "a:8080")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("never succeeded")
	}
	if alerts.count() != 0 {
		t.Fatalf("alert raised on eventual success")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	want := []string{"a:8080", "a:8080", "b:8080"}
	for i := range want {
		if sender.attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", sender.attempts, want)
		}
	}
}

type flakyResolver struct {
	mu       sync.Mutex
	failures int
	addr     string
}

func (r *flakyResolver) Address(_ context.Context, _ string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return "", false, errors.New("store unavailable")
	}
	return r.addr, true, nil
}

func TestExecuteAbandonsWhenTargetGoesOffline(t *testing.T) {
	w := NewWheel(time.Millisecond, 32)
	defer w.Stop()

	sender := &scriptedSender{failures: 100}
	resolver := &mapResolver{addrs: map[string]string{}}
	alerts := &alertCounter{}
	s := NewScheduler(w, resolver, sender, alerts, fastCfg(1, 1), log.NewTestLogger())

	s.ExecuteWithRetry("u1", []byte("hi"), "a:8080")

	time.Sleep(200 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("attempts = %d, want only the initial one", got)
	}
	if alerts.count() != 0 {
		t.Fatalf("offline abandonment must not alert")
	}
}
