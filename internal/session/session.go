// Package session tracks short-lived transfer negotiations. A caller that
// knows a burst of small requests is coming starts a session; when the
// expected volume crosses the upgrade threshold the registry tries to
// open one persistent connection for the whole burst. Channels consult
// the registry at send time to reuse that connection instead of opening
// their own.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// UpgradedConn is a persistent connection opened for one session.
type UpgradedConn interface {
	Addr() string
	Close() error
}

// Upgrader is implemented by a channel that can open persistent
// connections for bulk transfers.
type Upgrader interface {
	// SupportsUpgrade reports whether the target device is known to
	// accept a persistent connection.
	SupportsUpgrade(deviceID string) bool
	// Upgrade opens the persistent connection.
	Upgrade(ctx context.Context, deviceID string, expectedBytes int64) (UpgradedConn, error)
}

// Session is one active transfer negotiation.
type Session struct {
	DeviceID      string
	ExpectedBytes int64
	MaxDuration   time.Duration
	StartedAt     time.Time

	registry *Registry

	mu       sync.Mutex
	upgraded bool
	conn     UpgradedConn
	timer    *clock.Timer
	ended    bool
}

// Upgraded reports whether a persistent connection was established.
func (s *Session) Upgraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upgraded
}

// ConnAddr returns the address of the upgraded connection, empty when the
// session runs non-upgraded.
func (s *Session) ConnAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ""
	}
	return s.conn.Addr()
}

// Conn returns the upgraded connection handle, nil when none was opened.
func (s *Session) Conn() UpgradedConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// End tears the session down: cancels the expiry timer, removes the
// session from the registry, and releases the upgraded connection if one
// exists. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.timer != nil {
		s.timer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.upgraded = false
	s.mu.Unlock()

	s.registry.remove(s.DeviceID, s)
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.registry.logger.Warn("close upgraded connection", "device", s.DeviceID, "error", err)
		}
	}
}

// canonical normalizes a device id the same way transport registries do.
func canonical(deviceID string) string {
	return strings.ToUpper(strings.TrimSpace(deviceID))
}

// Registry holds the process-wide active sessions, at most one per
// device. Construct one per composition root and inject it; tests build
// their own.
type Registry struct {
	logger    *slog.Logger
	clock     clock.Clock
	threshold int64
	upgrader  Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger *slog.Logger, upgradeThresholdBytes int64, upgrader Upgrader) *Registry {
	return NewRegistryWithClock(logger, upgradeThresholdBytes, upgrader, clock.New())
}

func NewRegistryWithClock(logger *slog.Logger, upgradeThresholdBytes int64, upgrader Upgrader, clk clock.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		clock:     clk,
		threshold: upgradeThresholdBytes,
		upgrader:  upgrader,
		sessions:  make(map[string]*Session),
	}
}

// SetUpgrader replaces the channel used for session upgrades. The
// registry and the upgrading channel reference each other, so the
// composition root builds the registry first and wires the channel in
// afterwards.
func (r *Registry) SetUpgrader(u Upgrader) {
	r.mu.Lock()
	r.upgrader = u
	r.mu.Unlock()
}

// Start begins a transfer session for a device. When one is already
// active for that device the existing session is returned; first creator
// wins on races. The upgrade attempt is an optimization: its failure
// leaves a working non-upgraded session.
func (r *Registry) Start(ctx context.Context, deviceID string, expectedBytes int64, maxDuration time.Duration) *Session {
	key := canonical(deviceID)

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return existing
	}
	upgrader := r.upgrader

	s := &Session{
		DeviceID:      key,
		ExpectedBytes: expectedBytes,
		MaxDuration:   maxDuration,
		StartedAt:     r.clock.Now(),
		registry:      r,
	}
	r.sessions[key] = s
	r.mu.Unlock()

	if upgrader != nil && expectedBytes >= r.threshold && upgrader.SupportsUpgrade(key) {
		if conn, err := upgrader.Upgrade(ctx, key, expectedBytes); err != nil {
			r.logger.Debug("session upgrade failed, continuing non-upgraded",
				"device", key, "expected_bytes", expectedBytes, "error", err)
		} else {
			// A holder may have ended the session while the upgrade
			// dial was in flight; the connection has no owner then.
			s.mu.Lock()
			if s.ended {
				s.mu.Unlock()
				if err := conn.Close(); err != nil {
					r.logger.Warn("close orphaned upgraded connection", "device", key, "error", err)
				}
				return s
			}
			s.upgraded = true
			s.conn = conn
			s.mu.Unlock()
			r.logger.Info("session upgraded", "device", key, "addr", conn.Addr())
		}
	}

	if maxDuration > 0 {
		s.mu.Lock()
		if !s.ended {
			s.timer = r.clock.AfterFunc(maxDuration, s.End)
		}
		s.mu.Unlock()
	}
	r.logger.Debug("session started", "device", key, "expected_bytes", expectedBytes)

	return s
}

// Active returns the session for a device, if any. Channels use it to
// decide whether to piggyback on an upgraded connection.
func (r *Registry) Active(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[canonical(deviceID)]
	return s, ok
}

func (r *Registry) remove(deviceID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[deviceID]; ok && current == s {
		delete(r.sessions, deviceID)
	}
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
