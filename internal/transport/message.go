package transport

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message for routing and inbound dispatch.
type Kind string

const (
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindDirectMessage Kind = "direct_message"
	KindRoomMessage   Kind = "room_message"
	KindSync          Kind = "sync"
	KindHello         Kind = "hello"
	KindHeartbeat     Kind = "heartbeat"
)

// Message is the channel-agnostic envelope exchanged between the router
// and every transport. Treat a constructed Message as immutable; use
// Clone before changing fields on a copy.
type Message struct {
	ID string
	// Target is the remote station the message addresses. On inbound
	// messages it carries the origin station, so replies can reuse it.
	Target string
	Kind   Kind

	// Set for KindRequest only.
	Method  string
	Path    string
	Headers map[string]string

	// Payload is opaque to the router; its shape depends on Kind.
	Payload []byte

	// SignedEvent carries a pre-signed authenticated event blob produced
	// by a collaborator. The router never inspects or re-signs it.
	SignedEvent json.RawMessage

	QueueIfOffline bool
	// TTL bounds how long a queued copy stays deliverable. Zero means no
	// expiry.
	TTL       time.Duration
	CreatedAt time.Time
	Priority  int

	// ViaTransport is the id of the channel an inbound message arrived
	// on. Never set on outbound messages.
	ViaTransport string
}

var idCounter atomic.Uint64

// NewID returns a time-ordered identifier unique within the process.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Entropy exhaustion is the only failure mode; a counter keeps
		// ids unique within the process.
		return fmt.Sprintf("msg-%d-%d", time.Now().UnixNano(), idCounter.Add(1))
	}
	return id.String()
}

func NewMessage(target string, kind Kind, payload []byte) *Message {
	return &Message{
		ID:        NewID(),
		Target:    CanonicalCallsign(target),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// NewRequest builds a request-kind message carrying an HTTP-style call.
func NewRequest(target, method, path string, headers map[string]string, body []byte) *Message {
	m := NewMessage(target, KindRequest, body)
	m.Method = method
	m.Path = path
	m.Headers = headers
	return m
}

// NewDirectMessage builds a direct-message envelope carrying a signed
// event blob.
func NewDirectMessage(target string, signedEvent json.RawMessage) *Message {
	m := NewMessage(target, KindDirectMessage, nil)
	m.SignedEvent = signedEvent
	return m
}

// NewRoomMessage builds a room-message envelope.
func NewRoomMessage(target, room string, payload []byte) *Message {
	m := NewMessage(target, KindRoomMessage, payload)
	m.Path = room
	return m
}

// Clone returns a deep copy preserving the message identity. Callers
// adjust fields on the copy when they need an override.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.SignedEvent != nil {
		c.SignedEvent = append(json.RawMessage(nil), m.SignedEvent...)
	}
	return &c
}

// Expired reports whether the message's TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}
