// Package transport moves a delivery envelope to the instance that owns
// the target's connections. Callers branch on the returned status rather
// than an error: SelfTarget in particular is a routing outcome, not a
// failure, and tells the caller to use its local connection table.
package transport

import (
	"context"
	"encoding/json"
)

// Status classifies the outcome of a send.
type Status int

const (
	StatusSent Status = iota
	StatusSelfTarget
	StatusConnectFailed
	StatusSerializeFailed
	StatusUnknownError
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusSelfTarget:
		return "self_target"
	case StatusConnectFailed:
		return "connect_failed"
	case StatusSerializeFailed:
		return "serialize_failed"
	default:
		return "unknown_error"
	}
}

// Envelope is the unit handed to a peer instance: deliver Payload to every
// local connection of TargetUser.
type Envelope struct {
	TargetUser string          `json:"target_user"`
	Payload    json.RawMessage `json:"payload"`
}

// Transport sends an envelope to the instance at addr.
type Transport interface {
	Send(ctx context.Context, addr string, env Envelope) Status
}
