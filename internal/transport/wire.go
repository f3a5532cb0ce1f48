package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEnvelope is the JSON shape the built-in channels exchange. Only
// fields both ends need cross the wire; routing-local flags like
// QueueIfOffline stay behind.
type wireEnvelope struct {
	ID          string            `json:"id"`
	From        string            `json:"from"`
	Target      string            `json:"target"`
	Kind        Kind              `json:"kind"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	SignedEvent json.RawMessage   `json:"signed_event,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	CreatedAt   int64             `json:"created_at"`
}

// EncodeWire serializes a message for transmission, stamping the local
// station as sender.
func EncodeWire(from string, msg *Message) ([]byte, error) {
	env := wireEnvelope{
		ID:          msg.ID,
		From:        CanonicalCallsign(from),
		Target:      msg.Target,
		Kind:        msg.Kind,
		Method:      msg.Method,
		Path:        msg.Path,
		Headers:     msg.Headers,
		Payload:     msg.Payload,
		SignedEvent: msg.SignedEvent,
		Priority:    msg.Priority,
		CreatedAt:   msg.CreatedAt.UnixMilli(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	return raw, nil
}

// DecodeWire parses a received envelope into an inbound message. Target
// is rewritten to the sending station so replies can reuse the field.
func DecodeWire(raw []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("envelope missing id")
	}

	return &Message{
		ID:          env.ID,
		Target:      CanonicalCallsign(env.From),
		Kind:        env.Kind,
		Method:      env.Method,
		Path:        env.Path,
		Headers:     env.Headers,
		Payload:     env.Payload,
		SignedEvent: env.SignedEvent,
		Priority:    env.Priority,
		CreatedAt:   time.UnixMilli(env.CreatedAt),
	}, nil
}
