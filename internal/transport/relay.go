package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	RelayID = "relay"

	relayDialTimeout  = 10 * time.Second
	relayWriteTimeout = 10 * time.Second
	relayMaxBackoff   = 15 * time.Second
)

// RelayTransport is the long-range fallback channel: a persistent
// websocket session to an internet relay that stores and forwards wire
// envelopes between stations. The connector goroutine keeps the session
// alive with exponential backoff, so a relay restart heals on its own.
type RelayTransport struct {
	*Base

	callsign string
	url      string
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stop      chan struct{}
	writeMu   sync.Mutex
	wg        sync.WaitGroup
}

func NewRelayTransport(callsign, url string) *RelayTransport {
	return &RelayTransport{
		Base:     NewBase(RelayID, PriorityRelay, nil),
		callsign: CanonicalCallsign(callsign),
		url:      url,
		logger:   Logger(RelayID, "url", url),
	}
}

func (t *RelayTransport) Available() bool { return t.url != "" }

func (t *RelayTransport) Initialize(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return nil
	}
	if t.url == "" {
		t.SetInitialized(false)
		return fmt.Errorf("relay url is not configured")
	}

	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.runConnector(t.stop)
	t.SetInitialized(true)

	return nil
}

func (t *RelayTransport) Close() error {
	t.mu.Lock()
	stop := t.stop
	conn := t.conn
	t.stop = nil
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	t.SetInitialized(false)
	if stop == nil {
		return nil
	}
	close(stop)
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	t.CloseInbound()
	t.logger.Info("relay session closed")

	return nil
}

// CanReach reports whether the relay session is up. The relay does not
// expose per-station presence, so any station is assumed addressable
// while the session lives.
func (t *RelayTransport) CanReach(_ context.Context, _ string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connected
}

func (t *RelayTransport) Quality(_ context.Context, _ string) int {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return 5
	}

	return 40
}

func (t *RelayTransport) Send(_ context.Context, msg *Message) *Result {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Failed("relay session is down", RelayID)
	}

	raw, err := EncodeWire(t.callsign, msg)
	if err != nil {
		return Failed(err.Error(), RelayID)
	}

	start := time.Now()
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, raw)
	t.writeMu.Unlock()
	latency := time.Since(start)

	if err != nil {
		t.RecordSend(latency, false)
		t.dropConn(conn)
		return Failed(fmt.Sprintf("relay write failed: %v", err), RelayID)
	}
	t.RecordSend(latency, true)

	return Delivered(RelayID, 0, nil, latency)
}

func (t *RelayTransport) SendAsync(msg *Message) {
	go func() {
		_ = t.Send(context.Background(), msg)
	}()
}

func (t *RelayTransport) runConnector(stop chan struct{}) {
	defer t.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := t.dial()
		if err != nil {
			t.logger.Warn("relay connect failed", "error", err, "retry_in", backoff)
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > relayMaxBackoff {
				backoff = relayMaxBackoff
			}
			continue
		}

		backoff = time.Second
		t.mu.Lock()
		if t.stop != stop {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.connected = true
		t.mu.Unlock()
		t.logger.Info("relay session established")

		t.readLoop(conn, stop)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.connected = false
		}
		t.mu.Unlock()
		_ = conn.Close()
	}
}

func (t *RelayTransport) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: relayDialTimeout}
	conn, _, err := dialer.Dial(t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	hello := NewMessage("", KindHello, nil)
	raw, err := EncodeWire(t.callsign, hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay hello: %w", err)
	}

	return conn, nil
}

func (t *RelayTransport) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				t.logger.Debug("relay read ended", "error", err)
			}
			return
		}

		msg, err := DecodeWire(raw)
		if err != nil {
			t.logger.Warn("bad relay envelope", "error", err)
			continue
		}
		t.PublishInbound(msg)
	}
}

func (t *RelayTransport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connected = false
	}
	t.mu.Unlock()
	_ = conn.Close()
}
