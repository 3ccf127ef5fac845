package session

import (
	"context"
	"sync"
)

// Conn is a live client connection handle. Handles are in-process only:
// they are never serialized and never leave the owning instance.
type Conn interface {
	// Push writes a payload to the client. An error means this delivery
	// failed; the caller decides whether to retry or withhold an ack.
	Push(ctx context.Context, payload []byte) error
}

// LocalTable is the instance's own connection-handle map. It is an explicit
// struct injected into dependents so multiple instances can coexist in one
// test process.
type LocalTable struct {
	mu     sync.RWMutex
	byConn map[string]Conn
	byUser map[string]map[string]Conn
}

// NewLocalTable returns an empty table.
func NewLocalTable() *LocalTable {
	return &LocalTable{
		byConn: make(map[string]Conn),
		byUser: make(map[string]map[string]Conn),
	}
}

// Add registers a connection handle for a user.
func (t *LocalTable) Add(userID, connID string, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[connID] = conn
	conns, ok := t.byUser[userID]
	if !ok {
		conns = make(map[string]Conn)
		t.byUser[userID] = conns
	}
	conns[connID] = conn
}

// Remove drops a connection handle. Returns true when the user has no
// remaining local connections.
func (t *LocalTable) Remove(userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConn, connID)
	conns := t.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.byUser, userID)
		return true
	}
	return false
}

// Has reports whether this instance owns the connection id.
func (t *LocalTable) Has(connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byConn[connID]
	return ok
}

// Get returns the handle for a connection id owned by this instance.
func (t *LocalTable) Get(connID string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byConn[connID]
	return c, ok
}

// UserConns returns this instance's handles for a user.
func (t *LocalTable) UserConns(userID string) []Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := t.byUser[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Len reports the number of live local connections.
func (t *LocalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}
