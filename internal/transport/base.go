package transport

import (
	"log/slog"
	"sync"
	"time"

	"geogram/internal/bus"
)

// TopicInbound is the per-transport broadcast topic carrying *Message
// values received from the wire.
const TopicInbound = "transport.inbound"

// Base provides the shared transport plumbing: metrics accumulation, the
// inbound broadcast stream, and the device registry. Concrete channels
// embed it and implement the wire-facing methods themselves.
type Base struct {
	id       string
	priority int

	mu          sync.RWMutex
	metrics     Metrics
	initialized bool

	busLogger *slog.Logger
	busMu     sync.Mutex
	inbound   *bus.PubSubBus

	devices *DeviceRegistry
}

func NewBase(id string, priority int, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	busLogger := logger.With("transport", id)
	return &Base{
		id:        id,
		priority:  priority,
		metrics:   NewMetrics(),
		busLogger: busLogger,
		inbound:   bus.New(busLogger),
		devices:   NewDeviceRegistry(),
	}
}

func (b *Base) ID() string    { return b.id }
func (b *Base) Priority() int { return b.priority }

func (b *Base) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.initialized
}

// SetInitialized flips the lifecycle flag; a failed Initialize leaves it
// false so the router treats the channel as unavailable.
func (b *Base) SetInitialized(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = v
}

func (b *Base) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.metrics
}

// RecordSend folds one send outcome into the channel's metrics.
func (b *Base) RecordSend(latency time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = b.metrics.Record(latency, ok, time.Now())
}

func (b *Base) Devices() *DeviceRegistry { return b.devices }

func (b *Base) Subscribe() bus.Subscription {
	return b.inboundBus().Subscribe(TopicInbound)
}

// Unsubscribe detaches a listener. After CloseInbound the subscription
// belongs to a replaced bus, in which case this is a no-op instead of
// blocking on a shut-down pubsub.
func (b *Base) Unsubscribe(sub bus.Subscription) {
	b.inboundBus().Unsubscribe(sub, TopicInbound)
}

// PublishInbound stamps the message with this channel's id and fans it
// out to all subscribers.
func (b *Base) PublishInbound(msg *Message) {
	if msg == nil {
		return
	}
	msg.ViaTransport = b.id
	b.devices.Touch(msg.Target, time.Now())
	b.inboundBus().Publish(TopicInbound, msg)
}

// CloseInbound tears down the broadcast stream, closing every
// subscription, and arms a fresh one so the channel can be initialized
// again. Called from the channel's Close.
func (b *Base) CloseInbound() {
	b.busMu.Lock()
	old := b.inbound
	b.inbound = bus.New(b.busLogger)
	b.busMu.Unlock()
	old.Close()
}

func (b *Base) inboundBus() *bus.PubSubBus {
	b.busMu.Lock()
	defer b.busMu.Unlock()

	return b.inbound
}
