package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/retry"
	"github.com/rzbill/relay/internal/session"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/internal/transport"
	"github.com/rzbill/relay/pkg/log"
)

type fakeTransport struct {
	mu     sync.Mutex
	status transport.Status
	sent   []transport.Envelope
}

func (f *fakeTransport) Send(_ context.Context, _ string, env transport.Envelope) transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return f.status
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordConn struct {
	mu  sync.Mutex
	got [][]byte
}

func (c *recordConn) Push(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, payload)
	return nil
}

func (c *recordConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func retryCfg() func() config.RetryConfig {
	return func() config.RetryConfig {
		return config.RetryConfig{OverrideMs: []int64{1, 1}}
	}
}

func newPusherHarness(t *testing.T, status transport.Status) (*Pusher, *session.Registry, *fakeTransport, *retry.Wheel) {
	t.Helper()
	mem := sharedstore.NewMemory()
	local := session.NewLocalTable()
	sessions := session.NewRegistry(mem, local, "self:8080",
		func() config.SessionConfig { return config.SessionConfig{TTLMs: 30000} }, log.NewTestLogger())
	tr := &fakeTransport{status: status}
	wheel := retry.NewWheel(time.Millisecond, 32)
	t.Cleanup(wheel.Stop)
	p := NewPusher(wheel, sessions, tr, alert.NewLogSink(log.NewTestLogger()), retryCfg(), log.NewTestLogger())
	return p, sessions, tr, wheel
}

func TestPushOfflineTargetIsNoOp(t *testing.T) {
	p, _, tr, _ := newPusherHarness(t, transport.StatusSent)

	if err := p.Push(context.Background(), "ghost", []byte("hi")); err != nil {
		t.Fatalf("push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if tr.count() != 0 {
		t.Fatalf("offline target must see no delivery attempt")
	}
}

func TestPushRemoteTarget(t *testing.T) {
	p, sessions, tr, _ := newPusherHarness(t, transport.StatusSent)
	ctx := context.Background()

	if err := sessions.Register(ctx, "u1", "c1", &recordConn{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.Push(ctx, "u1", []byte("hi")); err != nil {
		t.Fatalf("push: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tr.count() != 1 {
		t.Fatalf("sends = %d, want 1", tr.count())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.sent[0].TargetUser != "u1" {
		t.Fatalf("envelope target = %q", tr.sent[0].TargetUser)
	}
}

func TestAttemptSelfTargetDeliversLocally(t *testing.T) {
	p, sessions, _, _ := newPusherHarness(t, transport.StatusSelfTarget)
	ctx := context.Background()

	conn := &recordConn{}
	if err := sessions.Register(ctx, "u1", "c1", conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.Attempt(ctx, "u1", "self:8080", []byte("hi")); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if conn.count() != 1 {
		t.Fatalf("local pushes = %d, want 1", conn.count())
	}
}

func TestAttemptConnectFailureIsError(t *testing.T) {
	p, _, _, _ := newPusherHarness(t, transport.StatusConnectFailed)

	if err := p.Attempt(context.Background(), "u1", "peer:8080", []byte("hi")); err == nil {
		t.Fatalf("connect failure must surface to the scheduler")
	}
}

func TestDeliverLocalFanOut(t *testing.T) {
	p, sessions, _, _ := newPusherHarness(t, transport.StatusSent)
	ctx := context.Background()

	a := &recordConn{}
	b := &recordConn{}
	if err := sessions.Register(ctx, "u1", "c1", a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := sessions.Register(ctx, "u1", "c2", b); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := p.DeliverLocal(ctx, "u1", []byte("hi")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("fan-out miss: a=%d b=%d", a.count(), b.count())
	}
}
