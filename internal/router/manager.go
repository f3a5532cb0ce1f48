// Package router implements the connection manager: the orchestrator
// that owns the channel registry, the active routing strategy, the
// store-and-forward queue, and the merged inbound stream.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"geogram/internal/bus"
	"geogram/internal/routing"
	"geogram/internal/transport"
)

// TopicInbound is the external broadcast topic carrying every inbound
// *transport.Message, regardless of how dispatch handled it.
const TopicInbound = "router.inbound"

var (
	ErrNotInitialized      = errors.New("connection manager is not initialized")
	ErrNoRoute             = errors.New("no transport available for target")
	ErrAllTransportsFailed = errors.New("all transports failed")
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultProbeTimeout  = 2 * time.Second
	defaultSendTimeout   = 30 * time.Second
)

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	Logger        *slog.Logger
	Clock         clock.Clock
	Strategy      routing.Strategy
	Loopback      *Loopback
	QueueCapacity int
	FlushInterval time.Duration
	ProbeTimeout  time.Duration
	SendTimeout   time.Duration
}

// SendOptions override per-call routing behavior.
type SendOptions struct {
	// Strategy replaces the manager's active strategy for this call.
	Strategy routing.Strategy
	// Exclude removes channels by id from the candidate set, typically
	// ones that already failed for this message.
	Exclude map[string]bool
}

// Manager routes outbound messages across the registered channels and
// fans inbound traffic out to dispatch and external subscribers.
type Manager struct {
	logger        *slog.Logger
	clk           clock.Clock
	loopback      *Loopback
	flushInterval time.Duration
	probeTimeout  time.Duration
	sendTimeout   time.Duration

	mu          sync.Mutex
	initialized bool
	transports  map[string]transport.Transport
	order       []string
	strategy    routing.Strategy
	queue       *Queue
	external    *bus.PubSubBus
	inboundStop chan struct{}
	queueStop   chan struct{}
	wg          sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "router")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = routing.NewPriority()
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	probe := opts.ProbeTimeout
	if probe <= 0 {
		probe = defaultProbeTimeout
	}
	send := opts.SendTimeout
	if send <= 0 {
		send = defaultSendTimeout
	}

	return &Manager{
		logger:        logger,
		clk:           clk,
		loopback:      opts.Loopback,
		flushInterval: flush,
		probeTimeout:  probe,
		sendTimeout:   send,
		transports:    make(map[string]transport.Transport),
		strategy:      strategy,
		queue:         NewQueue(opts.QueueCapacity),
	}
}

// Initialize arms the manager: starts the queue flush loop and the
// merged inbound stream. Safe to call again after Close.
func (m *Manager) Initialize(_ context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	if m.external == nil {
		m.external = bus.New(m.logger)
	}
	m.queueStop = make(chan struct{})
	stop := m.queueStop
	m.rebuildInboundLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runQueueLoop(stop)
	m.logger.Info("connection manager initialized")

	return nil
}

// Close stops the queue loop, disposes every channel, closes the merged
// and external streams, and clears the registry and queue. The manager
// can be initialized again afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	close(m.queueStop)
	m.queueStop = nil
	m.stopInboundLocked()
	transports := make([]transport.Transport, 0, len(m.transports))
	for _, id := range m.order {
		transports = append(transports, m.transports[id])
	}
	m.transports = make(map[string]transport.Transport)
	m.order = nil
	external := m.external
	m.external = nil
	m.mu.Unlock()

	m.wg.Wait()

	for _, tr := range transports {
		m.closeTransport(tr)
	}
	m.queue.Clear()
	if external != nil {
		external.Close()
	}
	m.logger.Info("connection manager closed")

	return nil
}

func (m *Manager) closeTransport(tr transport.Transport) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("transport close panicked", "transport", tr.ID(), "panic", r)
		}
	}()
	if err := tr.Close(); err != nil {
		m.logger.Warn("transport close failed", "transport", tr.ID(), "error", err)
	}
}

// RegisterTransport adds a channel and initializes it. A channel whose
// Initialize fails stays registered but reports Initialized false, so
// routing treats it as unavailable without crashing.
func (m *Manager) RegisterTransport(ctx context.Context, tr transport.Transport) {
	if err := m.initTransport(ctx, tr); err != nil {
		m.logger.Warn("transport initialize failed", "transport", tr.ID(), "error", err)
	}

	m.mu.Lock()
	if _, exists := m.transports[tr.ID()]; !exists {
		m.order = append(m.order, tr.ID())
	}
	m.transports[tr.ID()] = tr
	if m.initialized {
		m.rebuildInboundLocked()
	}
	m.mu.Unlock()

	m.logger.Info("transport registered",
		"transport", tr.ID(), "priority", tr.Priority(),
		"available", tr.Available(), "initialized", tr.Initialized())
}

func (m *Manager) initTransport(ctx context.Context, tr transport.Transport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport initialize panicked: %v", r)
		}
	}()

	return tr.Initialize(ctx)
}

// UnregisterTransport removes and disposes a channel.
func (m *Manager) UnregisterTransport(id string) {
	m.mu.Lock()
	tr, ok := m.transports[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.transports, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.initialized {
		m.rebuildInboundLocked()
	}
	m.mu.Unlock()

	m.closeTransport(tr)
	m.logger.Info("transport unregistered", "transport", id)
}

// Transport looks a channel up by id.
func (m *Manager) Transport(id string) (transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.transports[id]
	return tr, ok
}

// SetStrategy replaces the active routing strategy at runtime.
func (m *Manager) SetStrategy(s routing.Strategy) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
	m.logger.Info("routing strategy changed", "strategy", s.Name())
}

// Send routes one message with the active strategy.
func (m *Manager) Send(ctx context.Context, msg *transport.Message) *transport.Result {
	return m.SendWith(ctx, msg, SendOptions{})
}

// SendWith routes one message. Channels are attempted strictly in the
// order the strategy returns; the first success wins. A channel that
// fails or panics is logged and the next one is tried. When nothing can
// deliver and the message allows it, it is queued for the flush loop.
func (m *Manager) SendWith(ctx context.Context, msg *transport.Message, opts SendOptions) *transport.Result {
	m.mu.Lock()
	initialized := m.initialized
	strategy := m.strategy
	m.mu.Unlock()

	if !initialized {
		return transport.Failed(ErrNotInitialized.Error(), "")
	}
	if opts.Strategy != nil {
		strategy = opts.Strategy
	}

	candidates := m.candidates(opts.Exclude)
	ordered := strategy.Select(ctx, msg.Target, msg.Kind, candidates)
	if len(ordered) == 0 {
		if msg.QueueIfOffline {
			m.enqueue(msg)
			return transport.Queued()
		}
		return transport.Failed(ErrNoRoute.Error(), "")
	}

	var lastID string
	for _, tr := range ordered {
		lastID = tr.ID()
		res := m.attempt(ctx, tr, msg)
		if res.OK {
			return res
		}
		m.logger.Warn("transport send failed, trying next",
			"transport", tr.ID(), "message", msg.ID, "target", msg.Target, "error", res.Err)
	}

	if msg.QueueIfOffline {
		m.enqueue(msg)
		return transport.Queued()
	}

	return transport.Failed(ErrAllTransportsFailed.Error(), lastID)
}

// attempt performs one bounded send. A panicking channel is converted to
// a failure result so one bad implementation never aborts the sequence.
func (m *Manager) attempt(ctx context.Context, tr transport.Transport, msg *transport.Message) (res *transport.Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("transport send panicked", "transport", tr.ID(), "panic", r)
			res = transport.Failed(fmt.Sprintf("transport panicked: %v", r), tr.ID())
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	res = tr.Send(cctx, msg)
	if res == nil {
		res = transport.Failed("transport returned no result", tr.ID())
	}
	if !res.OK && res.LastTransport == "" {
		res.LastTransport = tr.ID()
	}

	return res
}

// APIRequest builds a request-kind message and routes it.
func (m *Manager) APIRequest(ctx context.Context, target, method, path string, headers map[string]string, body []byte) *transport.Result {
	return m.Send(ctx, transport.NewRequest(target, method, path, headers, body))
}

// SendDM routes a signed direct-message event, queueing when offline.
func (m *Manager) SendDM(ctx context.Context, target string, signedEvent []byte) *transport.Result {
	msg := transport.NewDirectMessage(target, signedEvent)
	msg.QueueIfOffline = true
	return m.Send(ctx, msg)
}

// SendChat routes a room message.
func (m *Manager) SendChat(ctx context.Context, target, room string, payload []byte) *transport.Result {
	return m.Send(ctx, transport.NewRoomMessage(target, room, payload))
}

// IsReachable probes the available channels and reports whether any one
// currently reaches the device. Each probe is bounded; expiry counts as
// unreachable.
func (m *Manager) IsReachable(ctx context.Context, deviceID string) bool {
	for _, tr := range m.candidates(nil) {
		if transport.BoundedReach(ctx, tr, deviceID, m.probeTimeout) {
			return true
		}
	}
	return false
}

// AvailableTransports collects the ids of every channel that currently
// reaches the device.
func (m *Manager) AvailableTransports(ctx context.Context, deviceID string) []string {
	var out []string
	for _, tr := range m.candidates(nil) {
		if transport.BoundedReach(ctx, tr, deviceID, m.probeTimeout) {
			out = append(out, tr.ID())
		}
	}
	return out
}

// RetryPending runs one synchronous flush pass over the queue.
func (m *Manager) RetryPending(ctx context.Context) {
	m.processQueue(ctx)
}

// QueueLen reports the store-and-forward backlog size.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Subscribe attaches a listener to the manager's external inbound
// stream. Every inbound message from every channel appears on it.
func (m *Manager) Subscribe() bus.Subscription {
	m.mu.Lock()
	if m.external == nil {
		m.external = bus.New(m.logger)
	}
	external := m.external
	m.mu.Unlock()

	return external.Subscribe(TopicInbound)
}

func (m *Manager) Unsubscribe(sub bus.Subscription) {
	m.mu.Lock()
	external := m.external
	m.mu.Unlock()
	if external != nil {
		external.Unsubscribe(sub, TopicInbound)
	}
}

// candidates returns the available and initialized channels in
// registration order, minus the excluded ids.
func (m *Manager) candidates(exclude map[string]bool) []transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]transport.Transport, 0, len(m.order))
	for _, id := range m.order {
		if exclude[id] {
			continue
		}
		tr := m.transports[id]
		if tr.Available() && tr.Initialized() {
			out = append(out, tr)
		}
	}
	return out
}

func (m *Manager) enqueue(msg *transport.Message) {
	if dropped := m.queue.Push(msg); dropped != nil {
		m.logger.Warn("queue full, dropped oldest message",
			"dropped", dropped.ID, "target", dropped.Target)
	}
	m.logger.Debug("message queued for later delivery",
		"message", msg.ID, "target", msg.Target, "backlog", m.queue.Len())
}

func (m *Manager) runQueueLoop(stop chan struct{}) {
	defer m.wg.Done()

	ticker := m.clk.Ticker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.processQueue(context.Background())
		}
	}
}

// processQueue drops expired entries, then retries every remaining one
// exactly once. Retried copies never re-queue themselves; a message that
// fails again and has not expired goes back for the next tick.
func (m *Manager) processQueue(ctx context.Context) {
	now := m.clk.Now()
	for _, msg := range m.queue.DropExpired(now) {
		m.logger.Info("queued message expired, dropping",
			"message", msg.ID, "target", msg.Target)
	}

	pending := m.queue.Drain()
	if len(pending) == 0 {
		return
	}
	m.logger.Debug("retrying queued messages", "count", len(pending))

	for _, msg := range pending {
		retry := msg.Clone()
		retry.QueueIfOffline = false

		res := m.SendWith(ctx, retry, SendOptions{})
		if res.OK {
			m.logger.Info("queued message delivered",
				"message", msg.ID, "target", msg.Target, "transport", res.Transport)
			continue
		}
		if msg.Expired(m.clk.Now()) {
			m.logger.Info("queued message expired after failed retry, dropping",
				"message", msg.ID, "target", msg.Target)
			continue
		}
		m.queue.Push(msg)
	}
}
