package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/idempotency"
	"github.com/rzbill/relay/internal/sequence"
	"github.com/rzbill/relay/internal/sharedstore"
	"github.com/rzbill/relay/internal/store"
	"github.com/rzbill/relay/pkg/log"
)

// fakeStore is an in-memory MessageStore with the same conflict semantics
// as the pebble-backed one.
type fakeStore struct {
	mu    sync.Mutex
	bySeq map[string]map[int64]*store.Message
	byCMI map[string]*store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bySeq: map[string]map[int64]*store.Message{},
		byCMI: map[string]*store.Message{},
	}
}

func cmiKey(convID, clientMsgID string) string { return convID + "/" + clientMsgID }

func (f *fakeStore) seed(convID string, seq int64, clientMsgID string) {
	msg := &store.Message{ConvID: convID, Seq: seq, ClientMsgID: clientMsgID}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(msg)
}

func (f *fakeStore) insertLocked(msg *store.Message) {
	conv := f.bySeq[msg.ConvID]
	if conv == nil {
		conv = map[int64]*store.Message{}
		f.bySeq[msg.ConvID] = conv
	}
	conv[msg.Seq] = msg
	f.byCMI[cmiKey(msg.ConvID, msg.ClientMsgID)] = msg
}

func (f *fakeStore) InsertIfAbsent(_ context.Context, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byCMI[cmiKey(msg.ConvID, msg.ClientMsgID)]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := f.bySeq[msg.ConvID][msg.Seq]; ok {
		return store.ErrDuplicateKey
	}
	f.insertLocked(msg)
	return nil
}

func (f *fakeStore) InsertOrBumpSequenceOnConflict(_ context.Context, msg *store.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byCMI[cmiKey(msg.ConvID, msg.ClientMsgID)]; ok {
		return 0, store.ErrDuplicateKey
	}
	for {
		if _, ok := f.bySeq[msg.ConvID][msg.Seq]; !ok {
			break
		}
		msg.Seq++
	}
	f.insertLocked(msg)
	return msg.Seq, nil
}

func (f *fakeStore) ByClientMsgID(_ context.Context, convID, clientMsgID string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byCMI[cmiKey(convID, clientMsgID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

func (f *fakeStore) MaxSequence(_ context.Context, convID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for seq := range f.bySeq[convID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (f *fakeStore) MaxSequenceBatch(ctx context.Context, convIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(convIDs))
	for _, id := range convIDs {
		max, err := f.MaxSequence(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = max
	}
	return out, nil
}

func (f *fakeStore) count(convID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bySeq[convID])
}

type harness struct {
	svc         *Service
	mem         *sharedstore.Memory
	durable     *fakeStore
	pusher      *fakePusher
	broadcaster *fakeBroadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := sharedstore.NewMemory()
	durable := newFakeStore()
	logger := log.NewTestLogger()

	dedupCfg := func() config.DedupConfig { return config.Default().Dedup }
	gate := idempotency.NewGate(mem, durable, dedupCfg, logger)
	gen := sequence.NewGenerator(mem, durable, logger)

	pusher := &fakePusher{}
	broadcaster := &fakeBroadcaster{}
	dispatcher := NewDispatcher(pusher, broadcaster, nil, logger)

	return &harness{
		svc:         NewService("chat", gate, gen, durable, dispatcher, logger),
		mem:         mem,
		durable:     durable,
		pusher:      pusher,
		broadcaster: broadcaster,
	}
}

func req(cmi string, sender string, targets ...string) SendRequest {
	return SendRequest{
		ConvID:      "c1",
		Sender:      sender,
		ClientMsgID: cmi,
		Targets:     targets,
		Payload:     []byte(`{"text":"hi"}`),
	}
}

func TestSendSinglePath(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Send(context.Background(), req("m1", "u2", "u1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Duplicate || res.Seq != 1 {
		t.Fatalf("result = %+v, want seq 1 original", res)
	}
	if len(h.pusher.pushed) != 1 || h.pusher.pushed[0] != "u1" {
		t.Fatalf("pushed = %v", h.pusher.pushed)
	}
	if h.durable.count("c1") != 1 {
		t.Fatalf("stored = %d, want 1", h.durable.count("c1"))
	}
}

func TestSendGroupPath(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Send(context.Background(), req("m1", "u2", "u1", "u2", "u3"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Seq != 1 {
		t.Fatalf("seq = %d", res.Seq)
	}
	if len(h.broadcaster.events) != 1 {
		t.Fatalf("events = %d, want 1", len(h.broadcaster.events))
	}
	ev := h.broadcaster.events[0]
	if ev.Seq != 1 || ev.ConvID != "c1" || ev.Service != "chat" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Targets) != 2 || ev.Targets[0] != "u1" || ev.Targets[1] != "u3" {
		t.Fatalf("targets = %v, want sender removed", ev.Targets)
	}
}

func TestSendDuplicateReturnsPriorSeq(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Send(ctx, req("m1", "u2", "u1"))
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := h.svc.Send(ctx, req("m1", "u2", "u1"))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !second.Duplicate || second.Seq != first.Seq {
		t.Fatalf("second = %+v, want duplicate of seq %d", second, first.Seq)
	}
	if h.durable.count("c1") != 1 {
		t.Fatalf("stored = %d, duplicate must not persist", h.durable.count("c1"))
	}
	if len(h.pusher.pushed) != 1 {
		t.Fatalf("duplicate must not redeliver")
	}
}

func TestSendSequencesIncrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := h.svc.Send(ctx, req(fmt.Sprintf("m%d", i), "u2", "u1"))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if res.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", res.Seq, i)
		}
	}
}

func TestSendDegradedUsesDurableMax(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.durable.seed("c2", 7, "old")
	h.mem.SetAvailable(false)

	res, err := h.svc.Send(ctx, SendRequest{
		ConvID: "c2", Sender: "u2", ClientMsgID: "m1",
		Targets: []string{"u1"}, Payload: []byte(`"x"`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Duplicate || res.Seq != 8 {
		t.Fatalf("result = %+v, want seq 8 from durable MAX 7", res)
	}
}

func TestSendDegradedRacersBumpNotFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.durable.seed("c2", 7, "old")
	h.mem.SetAvailable(false)

	// Simulate the second racer computing the same stale sequence: the
	// first racer's row already occupies seq 8 when this insert lands.
	h.durable.seed("c2", 8, "racer-a")
	final, err := h.durable.InsertOrBumpSequenceOnConflict(ctx, &store.Message{
		ConvID: "c2", Seq: 8, ClientMsgID: "racer-b",
	})
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if final != 9 {
		t.Fatalf("final = %d, want bumped to 9", final)
	}
}

func TestSendDuplicateKeyConflictReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The durable row exists but the dedup record has expired, so the gate
	// reports a fresh attempt and the uniqueness constraint fires.
	h.durable.seed("c1", 5, "m1")

	res, err := h.svc.Send(ctx, req("m1", "u2", "u1"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Duplicate || res.Seq != 5 {
		t.Fatalf("result = %+v, want reconciled duplicate seq 5", res)
	}
}

func TestSendRejectsMalformedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []SendRequest{
		{Sender: "u1", ClientMsgID: "m1", Targets: []string{"u2"}},
		{ConvID: "c1", ClientMsgID: "m1", Targets: []string{"u2"}},
		{ConvID: "c1", Sender: "u1", Targets: []string{"u2"}},
		{ConvID: "c1", Sender: "u1", ClientMsgID: "m1"},
	}
	for i, r := range cases {
		if _, err := h.svc.Send(ctx, r); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
}
