package store

import (
	"context"
	"errors"
)

// Message is the durable record of a chat message.
type Message struct {
	ConvID      string `json:"convId"`
	Seq         int64  `json:"seq"`
	Sender      string `json:"sender"`
	ClientMsgID string `json:"clientMsgId"`
	Payload     []byte `json:"payload"`
	SentAtMs    int64  `json:"sentAtMs"`
}

// ErrNotFound is returned when no message matches the lookup.
var ErrNotFound = errors.New("store: message not found")

// ErrDuplicateKey is returned when the (conversation, client message id)
// uniqueness constraint rejects an insert. It is the final backstop behind
// the idempotency gate.
var ErrDuplicateKey = errors.New("store: duplicate (conversation, clientMsgId)")

// MessageStore is the durable storage collaborator. Conversations, members,
// and message bodies live here; the delivery subsystem only needs the
// operations below.
type MessageStore interface {
	// InsertIfAbsent persists msg, failing with ErrDuplicateKey if either the
	// sequence slot or the (conv, clientMsgId) pair is already taken.
	InsertIfAbsent(ctx context.Context, msg *Message) error

	// InsertOrBumpSequenceOnConflict persists msg; if msg.Seq is already
	// taken it atomically assigns the next free sequence instead of failing.
	// Returns the sequence the message was stored under. A (conv, clientMsgId)
	// conflict still fails with ErrDuplicateKey.
	InsertOrBumpSequenceOnConflict(ctx context.Context, msg *Message) (int64, error)

	// ByClientMsgID returns the message stored under (convID, clientMsgID),
	// or ErrNotFound.
	ByClientMsgID(ctx context.Context, convID, clientMsgID string) (*Message, error)

	// MaxSequence returns the highest stored sequence for the conversation,
	// 0 when the conversation has no messages.
	MaxSequence(ctx context.Context, convID string) (int64, error)

	// MaxSequenceBatch returns the highest stored sequence per conversation.
	// Conversations with no messages map to 0.
	MaxSequenceBatch(ctx context.Context, convIDs []string) (map[string]int64, error)
}
