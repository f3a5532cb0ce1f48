package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"geogram/internal/bus"
	"geogram/internal/transport"
)

// APIPrefix is the reserved path prefix for requests the manager will
// forward to the local application server.
const APIPrefix = "/api/"

const dispatchTimeout = 25 * time.Second

// rebuildInboundLocked tears down the current merged stream and starts a
// forwarder per available+initialized channel. Called with m.mu held
// whenever the registry changes.
func (m *Manager) rebuildInboundLocked() {
	m.stopInboundLocked()
	m.inboundStop = make(chan struct{})
	stop := m.inboundStop

	for _, id := range m.order {
		tr := m.transports[id]
		if !tr.Available() || !tr.Initialized() {
			continue
		}
		sub := tr.Subscribe()
		m.wg.Add(1)
		go m.forwardInbound(tr, sub, stop)
	}
}

func (m *Manager) stopInboundLocked() {
	if m.inboundStop != nil {
		close(m.inboundStop)
		m.inboundStop = nil
	}
}

// forwardInbound pumps one channel's inbound stream into dispatch and
// then onto the external stream. External subscribers see every message
// no matter what dispatch did with it.
func (m *Manager) forwardInbound(tr transport.Transport, sub bus.Subscription, stop chan struct{}) {
	defer m.wg.Done()
	defer tr.Unsubscribe(sub)

	for {
		select {
		case <-stop:
			return
		case v, ok := <-sub:
			if !ok {
				return
			}
			msg, ok := v.(*transport.Message)
			if !ok || msg == nil {
				continue
			}
			m.handleInbound(msg)
		}
	}
}

func (m *Manager) handleInbound(msg *transport.Message) {
	m.dispatch(msg)

	m.mu.Lock()
	external := m.external
	m.mu.Unlock()
	if external != nil {
		external.Publish(TopicInbound, msg)
	}
}

// dispatch forwards request and direct-message traffic to the local
// application boundary. Every other kind is left to external
// subscribers.
func (m *Manager) dispatch(msg *transport.Message) {
	switch msg.Kind {
	case transport.KindRequest:
		m.dispatchRequest(msg)
	case transport.KindDirectMessage:
		m.dispatchDirectMessage(msg)
	}
}

// apiResponse is the payload of the response message returned to the
// origin device after a forwarded request.
type apiResponse struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

func (m *Manager) dispatchRequest(msg *transport.Message) {
	if !strings.HasPrefix(msg.Path, APIPrefix) {
		m.logger.Info("ignoring inbound request outside api prefix",
			"message", msg.ID, "path", msg.Path, "origin", msg.Target)
		return
	}
	if m.loopback == nil {
		m.logger.Warn("no loopback configured, dropping inbound request",
			"message", msg.ID, "path", msg.Path)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	status, body, err := m.loopback.Forward(ctx, msg.Method, msg.Path, msg.Headers, msg.Payload)
	if err != nil {
		// Local-boundary failures become a 500-equivalent response body,
		// never an escaping error.
		m.logger.Warn("loopback forward failed",
			"message", msg.ID, "path", msg.Path, "error", err)
		status = 500
		body = []byte(err.Error())
	}

	payload, err := json.Marshal(apiResponse{
		Type:       "api_response",
		ID:         msg.ID,
		StatusCode: status,
		Body:       string(body),
	})
	if err != nil {
		m.logger.Error("encode api response", "message", msg.ID, "error", err)
		return
	}

	resp := &transport.Message{
		ID:        "response-" + msg.ID,
		Target:    msg.Target,
		Kind:      transport.KindResponse,
		Payload:   payload,
		CreatedAt: m.clk.Now(),
	}
	m.sendResponseBestEffort(ctx, resp)
}

// sendResponseBestEffort delivers a response via the first channel that
// reports reachability to the origin. No channel reachable means the
// response is dropped; responses are never queued.
func (m *Manager) sendResponseBestEffort(ctx context.Context, msg *transport.Message) {
	for _, tr := range m.candidates(nil) {
		if !transport.BoundedReach(ctx, tr, msg.Target, m.probeTimeout) {
			continue
		}
		res := m.attempt(ctx, tr, msg)
		if res.OK {
			m.logger.Debug("response delivered",
				"message", msg.ID, "target", msg.Target, "transport", tr.ID())
		} else {
			m.logger.Warn("response delivery failed, dropping",
				"message", msg.ID, "target", msg.Target, "transport", tr.ID(), "error", res.Err)
		}
		return
	}
	m.logger.Debug("no transport reaches origin, dropping response",
		"message", msg.ID, "target", msg.Target)
}

func (m *Manager) dispatchDirectMessage(msg *transport.Message) {
	if len(msg.SignedEvent) == 0 {
		m.logger.Warn("dropping direct message without signed event",
			"message", msg.ID, "origin", msg.Target)
		return
	}
	if m.loopback == nil {
		m.logger.Warn("no loopback configured, dropping direct message",
			"message", msg.ID, "origin", msg.Target)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := m.loopback.ForwardChat(ctx, msg.Target, msg.SignedEvent); err != nil {
		m.logger.Warn("chat forward failed",
			"message", msg.ID, "origin", msg.Target, "error", err)
	}
}
