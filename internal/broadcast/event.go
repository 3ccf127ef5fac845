package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/rzbill/relay/internal/sharedstore"
)

// Event is one immutable broadcast record on the shared log.
type Event struct {
	Service  string          `json:"service"`
	ConvID   string          `json:"conv_id"`
	Seq      int64           `json:"seq"`
	Sender   string          `json:"sender"`
	Targets  []string        `json:"targets"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAtMs int64           `json:"sent_at_ms"`
}

// values flattens the event into shared-log fields. Targets travel as a
// JSON array so the set survives the string-typed log verbatim.
func (e Event) values() (map[string]interface{}, error) {
	targets, err := json.Marshal(e.Targets)
	if err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}
	return map[string]interface{}{
		"service": e.Service,
		"conv":    e.ConvID,
		"seq":     e.Seq,
		"sender":  e.Sender,
		"targets": string(targets),
		"payload": string(e.Payload),
		"sent_at": e.SentAtMs,
	}, nil
}

func entryString(values map[string]interface{}, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func entryInt(values map[string]interface{}, key string) (int64, bool) {
	v, ok := values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, false
		}
		return out, true
	default:
		return 0, false
	}
}

// eventFromEntry reconstructs an event from a log entry. A missing required
// field is a parse failure; the caller acks and skips, it never retries.
func eventFromEntry(entry sharedstore.Entry) (Event, error) {
	service, ok := entryString(entry.Values, "service")
	if !ok || service == "" {
		return Event{}, fmt.Errorf("entry %s: missing service", entry.ID)
	}
	conv, ok := entryString(entry.Values, "conv")
	if !ok || conv == "" {
		return Event{}, fmt.Errorf("entry %s: missing conv", entry.ID)
	}
	seq, ok := entryInt(entry.Values, "seq")
	if !ok {
		return Event{}, fmt.Errorf("entry %s: missing seq", entry.ID)
	}
	sender, _ := entryString(entry.Values, "sender")
	rawTargets, ok := entryString(entry.Values, "targets")
	if !ok {
		return Event{}, fmt.Errorf("entry %s: missing targets", entry.ID)
	}
	var targets []string
	if err := json.Unmarshal([]byte(rawTargets), &targets); err != nil {
		return Event{}, fmt.Errorf("entry %s: bad targets: %w", entry.ID, err)
	}
	payload, _ := entryString(entry.Values, "payload")
	sentAt, _ := entryInt(entry.Values, "sent_at")
	return Event{
		Service:  service,
		ConvID:   conv,
		Seq:      seq,
		Sender:   sender,
		Targets:  targets,
		Payload:  json.RawMessage(payload),
		SentAtMs: sentAt,
	}, nil
}

// Frame is the payload pushed to a client connection for this event. The
// single-chat path emits the same shape so clients see one format.
func (e Event) Frame() []byte {
	frame := struct {
		ConvID   string          `json:"conv_id"`
		Seq      int64           `json:"seq"`
		Sender   string          `json:"sender"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		SentAtMs int64           `json:"sent_at_ms"`
	}{e.ConvID, e.Seq, e.Sender, e.Payload, e.SentAtMs}
	out, err := json.Marshal(frame)
	if err != nil {
		// Every field is already JSON-safe; this cannot fail in practice.
		return []byte("{}")
	}
	return out
}
