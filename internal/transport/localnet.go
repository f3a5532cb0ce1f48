package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"geogram/internal/session"
)

const (
	LocalNetID = "local_net"

	localPeerMessagePath = "/geogram/message"
	localPeerPingPath    = "/geogram/ping"
	localPeerStreamPath  = "/geogram/stream"

	localReachTTL     = 30 * time.Second
	localReachEntries = 256

	peerPortHeader = "X-Geogram-Port"
)

// LocalNetTransport exchanges messages with peers over HTTP on the local
// network. Each station runs a small peer listener; sends are one HTTP
// POST per message, or one persistent websocket when a transfer session
// upgraded the connection.
type LocalNetTransport struct {
	*Base

	callsign   string
	listenPort int
	sessions   *session.Registry
	logger     *slog.Logger
	client     *http.Client
	reachCache *lru.LRU[string, bool]

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewLocalNetTransport(callsign string, listenPort int, sessions *session.Registry) *LocalNetTransport {
	return &LocalNetTransport{
		Base:       NewBase(LocalNetID, PriorityLocalNet, nil),
		callsign:   CanonicalCallsign(callsign),
		listenPort: listenPort,
		sessions:   sessions,
		logger:     Logger(LocalNetID),
		client:     &http.Client{Timeout: 6 * time.Second},
		reachCache: lru.NewLRU[string, bool](localReachEntries, nil, localReachTTL),
	}
}

func (t *LocalNetTransport) Available() bool { return t.listenPort > 0 }

func (t *LocalNetTransport) Initialize(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.listenPort))
	if err != nil {
		t.SetInitialized(false)
		return fmt.Errorf("listen local net: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(localPeerMessagePath, t.handlePeerMessage)
	mux.HandleFunc(localPeerPingPath, t.handlePeerPing)
	mux.HandleFunc(localPeerStreamPath, t.handlePeerStream)

	t.listener = ln
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("peer listener stopped", "error", err)
		}
	}()

	t.SetInitialized(true)
	t.logger.Info("peer listener started", "port", t.listenPort)

	return nil
}

func (t *LocalNetTransport) Close() error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	t.listener = nil
	t.mu.Unlock()

	t.SetInitialized(false)
	if server == nil {
		return nil
	}
	t.CloseInbound()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown peer listener: %w", err)
	}

	return nil
}

// CanReach answers from the probe cache when possible and otherwise
// pings the peer's listener.
func (t *LocalNetTransport) CanReach(ctx context.Context, deviceID string) bool {
	device, ok := t.Devices().Get(deviceID)
	if !ok || device.Address == "" {
		return false
	}
	if cached, ok := t.reachCache.Get(device.Callsign); ok {
		return cached
	}

	reachable := t.ping(ctx, device.Address)
	t.reachCache.Add(device.Callsign, reachable)

	return reachable
}

func (t *LocalNetTransport) ping(ctx context.Context, addr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+localPeerPingPath, nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (t *LocalNetTransport) Quality(_ context.Context, deviceID string) int {
	device, ok := t.Devices().Get(deviceID)
	if !ok || device.Address == "" {
		return 10
	}
	if cached, ok := t.reachCache.Get(device.Callsign); ok && cached {
		return 90
	}

	return 60
}

func (t *LocalNetTransport) Send(ctx context.Context, msg *Message) *Result {
	device, ok := t.Devices().Get(msg.Target)
	if !ok || device.Address == "" {
		return Failed(fmt.Sprintf("no known address for %s", msg.Target), LocalNetID)
	}

	raw, err := EncodeWire(t.callsign, msg)
	if err != nil {
		return Failed(err.Error(), LocalNetID)
	}

	start := time.Now()

	// An upgraded session connection takes precedence over per-message
	// HTTP setup.
	if t.sessions != nil {
		if s, ok := t.sessions.Active(msg.Target); ok && s.Upgraded() {
			if wc, ok := s.Conn().(*UpgradedWSConn); ok {
				if err := wc.Send(raw); err == nil {
					latency := time.Since(start)
					t.RecordSend(latency, true)
					return Delivered(LocalNetID, http.StatusOK, nil, latency)
				}
				t.logger.Warn("session stream send failed, falling back to http",
					"target", msg.Target)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+device.Address+localPeerMessagePath, bytes.NewReader(raw))
	if err != nil {
		t.RecordSend(0, false)
		return Failed(err.Error(), LocalNetID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(peerPortHeader, fmt.Sprintf("%d", t.listenPort))

	resp, err := t.client.Do(req)
	if err != nil {
		t.RecordSend(time.Since(start), false)
		t.reachCache.Add(device.Callsign, false)
		return Failed(err.Error(), LocalNetID)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.RecordSend(latency, false)
		return Failed(fmt.Sprintf("peer returned %d", resp.StatusCode), LocalNetID)
	}

	t.RecordSend(latency, true)
	t.reachCache.Add(device.Callsign, true)

	return Delivered(LocalNetID, resp.StatusCode, body, latency)
}

func (t *LocalNetTransport) SendAsync(msg *Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = t.Send(ctx, msg)
	}()
}

// SupportsUpgrade reports whether a persistent stream can be opened to
// the device: any peer with a known address serves the stream endpoint.
func (t *LocalNetTransport) SupportsUpgrade(deviceID string) bool {
	device, ok := t.Devices().Get(deviceID)
	return ok && device.Address != ""
}

// Upgrade opens the persistent websocket used for a transfer session.
func (t *LocalNetTransport) Upgrade(ctx context.Context, deviceID string, _ int64) (session.UpgradedConn, error) {
	device, ok := t.Devices().Get(deviceID)
	if !ok || device.Address == "" {
		return nil, fmt.Errorf("no known address for %s", deviceID)
	}

	url := "ws://" + device.Address + localPeerStreamPath
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial session stream: %w", err)
	}

	return &UpgradedWSConn{conn: conn, addr: device.Address}, nil
}

func (t *LocalNetTransport) handlePeerMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := DecodeWire(raw)
	if err != nil {
		t.logger.Warn("bad peer envelope", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}
	// Learn the sender's listener address for later sends and probes.
	if port := r.Header.Get(peerPortHeader); port != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			t.Devices().Upsert(Device{Callsign: msg.Target, Address: net.JoinHostPort(host, port)})
		}
	}
	t.PublishInbound(msg)
	w.WriteHeader(http.StatusOK)
}

func (t *LocalNetTransport) handlePeerPing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(t.callsign))
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handlePeerStream is the accepting side of a session upgrade: every
// received websocket message is one wire envelope.
func (t *LocalNetTransport) handlePeerStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go func() {
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := DecodeWire(raw)
			if err != nil {
				t.logger.Warn("bad stream envelope", "remote", r.RemoteAddr, "error", err)
				continue
			}
			t.PublishInbound(msg)
		}
	}()
}

// UpgradedWSConn is the persistent connection a transfer session holds.
type UpgradedWSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	addr string
}

func (c *UpgradedWSConn) Addr() string { return c.addr }

func (c *UpgradedWSConn) Send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *UpgradedWSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.Close()
}
