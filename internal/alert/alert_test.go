package alert

import (
	"context"
	"sync"
	"testing"

	"github.com/rzbill/relay/pkg/log"
)

type captureSink struct {
	mu   sync.Mutex
	seen []Alert
}

func (c *captureSink) Notify(_ context.Context, a Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, a)
}

func TestNewAlertStampsTime(t *testing.T) {
	a := NewAlert(SeverityWarning, "retry", "push exhausted", map[string]string{"user": "u1"})
	if a.RaisedAt == 0 {
		t.Fatalf("raised_at not set")
	}
	if a.Component != "retry" || a.Detail["user"] != "u1" {
		t.Fatalf("fields not carried: %+v", a)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	m := NewMulti(a, b)

	m.Notify(context.Background(), NewAlert(SeverityCritical, "consumer", "stream near capacity", nil))

	if len(a.seen) != 1 || len(b.seen) != 1 {
		t.Fatalf("fan-out miss: a=%d b=%d", len(a.seen), len(b.seen))
	}
	if a.seen[0].Summary != "stream near capacity" {
		t.Fatalf("summary = %q", a.seen[0].Summary)
	}
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	s := NewLogSink(log.NewTestLogger())
	s.Notify(context.Background(), NewAlert(SeverityWarning, "x", "y", map[string]string{"k": "v"}))
	s.Notify(context.Background(), NewAlert(SeverityCritical, "x", "z", nil))
}
