package sharedstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store with TTL support and a switchable
// "unavailable" mode. It backs tests and single-node development so the
// degraded paths are exercised without fault-injecting real I/O.
type Memory struct {
	mu        sync.Mutex
	available bool
	now       func() time.Time

	items   map[string]memItem
	sets    map[string]map[string]struct{}
	streams map[string]*memStream
}

type memItem struct {
	value string
	// exp is zero for keys without TTL.
	exp time.Time
}

type memStream struct {
	nextSeq int64
	entries []Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	// lastDelivered is the highest entry seq handed to the group.
	lastDelivered int64
	pending       map[string]Entry
}

// NewMemory returns an empty, available in-memory store.
func NewMemory() *Memory {
	return &Memory{
		available: true,
		now:       time.Now,
		items:     make(map[string]memItem),
		sets:      make(map[string]map[string]struct{}),
		streams:   make(map[string]*memStream),
	}
}

// SetAvailable toggles the simulated infrastructure failure. While false,
// every operation returns ErrUnavailable.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// SetClock overrides the time source. Tests use it to step past TTLs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) check() error {
	if !m.available {
		return ErrUnavailable
	}
	return nil
}

// live returns the item if present and unexpired, evicting lazily.
func (m *Memory) live(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.exp.IsZero() && !m.now().Before(it.exp) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	it, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return it.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.items[key] = memItem{value: value}
	return nil
}

func (m *Memory) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	it := memItem{value: value}
	if ttl > 0 {
		it.exp = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *Memory) CreateIfAbsent(_ context.Context, key, value string, ttl time.Duration) (CreateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Exists, err
	}
	if _, ok := m.live(key); ok {
		return Exists, nil
	}
	it := memItem{value: value}
	if ttl > 0 {
		it.exp = m.now().Add(ttl)
	}
	m.items[key] = it
	return Created, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	var n int64
	if it, ok := m.live(key); ok {
		n, _ = strconv.ParseInt(it.value, 10, 64)
	}
	n++
	exp := time.Time{}
	if it, ok := m.live(key); ok {
		exp = it.exp
	}
	m.items[key] = memItem{value: strconv.FormatInt(n, 10), exp: exp}
	return n, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	_, ok := m.live(key)
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	it, ok := m.live(key)
	if !ok {
		return false, nil
	}
	it.exp = m.now().Add(ttl)
	m.items[key] = it
	return true, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	set := m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) stream(name string) *memStream {
	st, ok := m.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = st
	}
	return st
}

func (m *Memory) Append(_ context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}
	st := m.stream(stream)
	st.nextSeq++
	id := strconv.FormatInt(st.nextSeq, 10) + "-0"
	st.entries = append(st.entries, Entry{ID: id, Values: values})
	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		st.entries = st.entries[int64(len(st.entries))-maxLen:]
	}
	return id, nil
}

func (m *Memory) Len(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	return int64(len(m.stream(stream).entries)), nil
}

func (m *Memory) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	st := m.stream(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	st.groups[group] = &memGroup{
		lastDelivered: st.nextSeq,
		pending:       make(map[string]Entry),
	}
	return nil
}

func entrySeq(id string) int64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			n, _ := strconv.ParseInt(id[:i], 10, 64)
			return n
		}
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func (m *Memory) ReadGroup(_ context.Context, stream, group, _ string, cursor string, count int64, block time.Duration) ([]Entry, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	st := m.stream(stream)
	g, ok := st.groups[group]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}

	var out []Entry
	if cursor == ReadPending {
		for _, e := range g.pending {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return entrySeq(out[i].ID) < entrySeq(out[j].ID) })
		if count > 0 && int64(len(out)) > count {
			out = out[:count]
		}
		m.mu.Unlock()
		return out, nil
	}

	for _, e := range st.entries {
		if entrySeq(e.ID) <= g.lastDelivered {
			continue
		}
		out = append(out, e)
		g.pending[e.ID] = e
		g.lastDelivered = entrySeq(e.ID)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	m.mu.Unlock()

	// Approximate the blocking read without holding the lock: a short pause
	// keeps consumer loops in tests from spinning.
	if len(out) == 0 && block > 0 {
		pause := block
		if pause > 10*time.Millisecond {
			pause = 10 * time.Millisecond
		}
		time.Sleep(pause)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	st := m.stream(stream)
	g, ok := st.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// PendingCount reports unacknowledged entries for a group. Test helper.
func (m *Memory) PendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stream(stream)
	g, ok := st.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}
