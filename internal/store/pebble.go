package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// PebbleStore is an embedded MessageStore for single-node and test use.
// Production deployments back the interface with a shared SQL store; the
// semantics (uniqueness backstop, bump-on-conflict) are identical.
type PebbleStore struct {
	db *pebblestore.DB

	// mu serializes meta updates per process. The embedded store is owned by
	// exactly one instance, so process-level exclusion is sufficient.
	mu sync.Mutex
}

// NewPebbleStore wraps an open pebble DB as a MessageStore.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

// InsertIfAbsent persists msg unless the sequence slot or the client message
// id is already taken.
func (s *PebbleStore) InsertIfAbsent(ctx context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(keyClientMsgID(msg.ConvID, msg.ClientMsgID)); err == nil {
		return ErrDuplicateKey
	}
	if _, err := s.db.Get(keyMsg(msg.ConvID, msg.Seq)); err == nil {
		return ErrDuplicateKey
	}
	return s.commit(ctx, msg)
}

// InsertOrBumpSequenceOnConflict persists msg, bumping to the next free
// sequence when msg.Seq is taken. Two degraded callers that both computed the
// same M+1 resolve to M+1 and M+2 here instead of hard-failing.
func (s *PebbleStore) InsertOrBumpSequenceOnConflict(ctx context.Context, msg *Message) (int64, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(keyClientMsgID(msg.ConvID, msg.ClientMsgID)); err == nil {
		return 0, ErrDuplicateKey
	}
	if _, err := s.db.Get(keyMsg(msg.ConvID, msg.Seq)); err == nil {
		maxSeq, err := s.maxSequenceLocked(msg.ConvID)
		if err != nil {
			return 0, err
		}
		msg.Seq = maxSeq + 1
	}
	if err := s.commit(ctx, msg); err != nil {
		return 0, err
	}
	return msg.Seq, nil
}

// commit writes the message, its client-id index, and the meta row in one batch.
// Caller holds s.mu.
func (s *PebbleStore) commit(ctx context.Context, msg *Message) error {
	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(keyMsg(msg.ConvID, msg.Seq), val, nil); err != nil {
		return err
	}
	if err := b.Set(keyClientMsgID(msg.ConvID, msg.ClientMsgID), encodeSeq(msg.Seq), nil); err != nil {
		return err
	}
	maxSeq, err := s.maxSequenceLocked(msg.ConvID)
	if err != nil {
		return err
	}
	if msg.Seq > maxSeq {
		if err := b.Set(keyMeta(msg.ConvID), encodeSeq(msg.Seq), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, b)
}

// ByClientMsgID returns the message stored under (convID, clientMsgID).
func (s *PebbleStore) ByClientMsgID(_ context.Context, convID, clientMsgID string) (*Message, error) {
	seqb, err := s.db.Get(keyClientMsgID(convID, clientMsgID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	seq, ok := decodeSeq(seqb)
	if !ok {
		return nil, fmt.Errorf("corrupt client msg index for %s/%s", convID, clientMsgID)
	}
	val, err := s.db.Get(keyMsg(convID, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(val, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

// MaxSequence returns the highest stored sequence for the conversation.
func (s *PebbleStore) MaxSequence(_ context.Context, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSequenceLocked(convID)
}

func (s *PebbleStore) maxSequenceLocked(convID string) (int64, error) {
	val, err := s.db.Get(keyMeta(convID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	seq, ok := decodeSeq(val)
	if !ok {
		return 0, fmt.Errorf("corrupt meta for conversation %s", convID)
	}
	return seq, nil
}

// MaxSequenceBatch returns the highest stored sequence per conversation.
func (s *PebbleStore) MaxSequenceBatch(ctx context.Context, convIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(convIDs))
	for _, id := range convIDs {
		seq, err := s.MaxSequence(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = seq
	}
	return out, nil
}

func validate(msg *Message) error {
	if msg == nil {
		return errors.New("store: nil message")
	}
	if msg.ConvID == "" || msg.ClientMsgID == "" {
		return errors.New("store: convId and clientMsgId are required")
	}
	if msg.Seq <= 0 {
		return errors.New("store: sequence must be positive")
	}
	return nil
}
