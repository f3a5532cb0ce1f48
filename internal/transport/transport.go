package transport

import (
	"context"

	"geogram/internal/bus"
)

// Priority bands for the built-in channels. Lower is preferred.
const (
	PriorityLocalNet   = 10
	PriorityShortRange = 20
	PriorityLongRange  = 25
	PriorityRelay      = 30
)

// DefaultQuality is reported when a channel has no per-device estimate.
const DefaultQuality = 50

// Transport is the contract every communication channel implements. The
// router only ever talks to channels through it.
//
// CanReach must be quick, ideally answered from cached state; the caller
// bounds it with a context deadline and treats expiry as "no". Send must
// respect the context deadline and return a failure Result instead of an
// error on expiry. Initialize and Close are idempotent.
type Transport interface {
	// ID is a stable identity used as the registry key.
	ID() string
	// Priority orders channels, lower preferred.
	Priority() int
	// Available reports whether the channel can work on this platform.
	Available() bool
	// Initialized reports whether Initialize completed successfully.
	Initialized() bool

	CanReach(ctx context.Context, deviceID string) bool
	// Quality estimates link quality to a device in 0..100, higher better.
	Quality(ctx context.Context, deviceID string) int

	Send(ctx context.Context, msg *Message) *Result
	// SendAsync is fire-and-forget: no result, no delivery contract.
	SendAsync(msg *Message)

	// Subscribe attaches a listener to the channel's inbound message
	// stream. Every subscriber receives every inbound message.
	Subscribe() bus.Subscription
	Unsubscribe(sub bus.Subscription)

	Initialize(ctx context.Context) error
	Close() error

	Metrics() Metrics
	Devices() *DeviceRegistry
}
