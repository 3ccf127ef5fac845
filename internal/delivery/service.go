package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/relay/internal/broadcast"
	"github.com/rzbill/relay/internal/idempotency"
	"github.com/rzbill/relay/internal/sequence"
	"github.com/rzbill/relay/internal/store"
	"github.com/rzbill/relay/pkg/log"
)

// SendRequest is one inbound message from a client.
type SendRequest struct {
	ConvID      string          `json:"conv_id"`
	Sender      string          `json:"sender"`
	ClientMsgID string          `json:"client_msg_id"`
	Targets     []string        `json:"targets"`
	Payload     json.RawMessage `json:"payload"`
}

// SendResult reports the assigned (or deduplicated) sequence id.
type SendResult struct {
	Seq       int64 `json:"seq"`
	Duplicate bool  `json:"duplicate"`
}

// ErrInvalidRequest rejects malformed input at the boundary; it is never
// retried.
var ErrInvalidRequest = errors.New("delivery: invalid send request")

// Service runs the send pipeline: idempotency gate, sequence assignment,
// durable persistence, then dispatch. The call returns once the message is
// durable; delivery-path failures are invisible to the sender.
type Service struct {
	service    string
	gate       *idempotency.Gate
	seq        *sequence.Generator
	store      store.MessageStore
	dispatcher *Dispatcher
	logger     log.Logger
	now        func() time.Time
}

func NewService(serviceName string, gate *idempotency.Gate, seq *sequence.Generator, st store.MessageStore, dispatcher *Dispatcher, logger log.Logger) *Service {
	return &Service{
		service:    serviceName,
		gate:       gate,
		seq:        seq,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger.WithComponent("delivery"),
		now:        time.Now,
	}
}

func (r SendRequest) validate() error {
	switch {
	case r.ConvID == "":
		return fmt.Errorf("%w: missing conv_id", ErrInvalidRequest)
	case r.Sender == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidRequest)
	case r.ClientMsgID == "":
		return fmt.Errorf("%w: missing client_msg_id", ErrInvalidRequest)
	case len(r.Targets) == 0:
		return fmt.Errorf("%w: missing targets", ErrInvalidRequest)
	}
	return nil
}

// Send processes one message end to end.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := req.validate(); err != nil {
		return SendResult{}, err
	}

	res, err := s.gate.CheckBeforePersist(ctx, req.ConvID, req.ClientMsgID)
	if err != nil {
		return SendResult{}, fmt.Errorf("idempotency check: %w", err)
	}
	if res.Duplicate {
		return SendResult{Seq: res.Seq, Duplicate: true}, nil
	}

	seq, healthy, err := s.seq.Assign(ctx, req.ConvID)
	if err != nil {
		return SendResult{}, fmt.Errorf("assign sequence: %w", err)
	}

	msg := &store.Message{
		ConvID:      req.ConvID,
		Seq:         seq,
		Sender:      req.Sender,
		ClientMsgID: req.ClientMsgID,
		Payload:     req.Payload,
		SentAtMs:    s.now().UnixMilli(),
	}
	if healthy {
		err = s.store.InsertIfAbsent(ctx, msg)
	} else {
		// Degraded sequences can race onto the same value; the conflict is
		// resolved by bumping, not failing.
		seq, err = s.store.InsertOrBumpSequenceOnConflict(ctx, msg)
	}
	if errors.Is(err, store.ErrDuplicateKey) {
		if prior, found := s.gate.HandleDuplicateKeyConflict(ctx, req.ConvID, req.ClientMsgID); found {
			return SendResult{Seq: prior, Duplicate: true}, nil
		}
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}

	if err := s.gate.MarkSuccess(ctx, req.ConvID, req.ClientMsgID, seq); err != nil {
		// The durable row is the final authority; a failed mark only costs a
		// slower duplicate check later.
		s.logger.Warn("mark success failed",
			log.Str("conv", req.ConvID), log.Str("cmi", req.ClientMsgID), log.Err(err))
	}

	ev := broadcast.Event{
		Service:  s.service,
		ConvID:   req.ConvID,
		Seq:      seq,
		Sender:   req.Sender,
		Targets:  req.Targets,
		Payload:  req.Payload,
		SentAtMs: msg.SentAtMs,
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.logger.Warn("dispatch failed",
			log.Str("conv", req.ConvID), log.Int64("seq", seq), log.Err(err))
	}
	return SendResult{Seq: seq}, nil
}
