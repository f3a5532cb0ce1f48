package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeConn struct {
	addr   string
	closed bool
}

func (c *fakeConn) Addr() string { return c.addr }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeUpgrader struct {
	supports bool
	fail     bool
	conn     *fakeConn
	attempts int
	// onUpgrade runs mid-dial, before the connection is handed back.
	onUpgrade func()
}

func (u *fakeUpgrader) SupportsUpgrade(_ string) bool { return u.supports }

func (u *fakeUpgrader) Upgrade(_ context.Context, _ string, _ int64) (UpgradedConn, error) {
	u.attempts++
	if u.onUpgrade != nil {
		u.onUpgrade()
	}
	if u.fail {
		return nil, errors.New("upgrade refused")
	}
	return u.conn, nil
}

func TestStartIsIdempotentPerDevice(t *testing.T) {
	r := NewRegistry(slog.Default(), 1024, nil)

	a := r.Start(context.Background(), "aa1bbb", 10, time.Minute)
	b := r.Start(context.Background(), "AA1BBB", 999, time.Hour)

	if a != b {
		t.Fatalf("expected second start to return the existing session")
	}
	if r.Len() != 1 {
		t.Fatalf("expected one active session, got %d", r.Len())
	}
}

func TestEndRemovesSessionSoNextStartIsFresh(t *testing.T) {
	r := NewRegistry(slog.Default(), 1024, nil)

	a := r.Start(context.Background(), "AA1BBB", 10, time.Minute)
	a.End()

	if _, ok := r.Active("AA1BBB"); ok {
		t.Fatalf("expected session removed after end")
	}

	b := r.Start(context.Background(), "AA1BBB", 10, time.Minute)
	if a == b {
		t.Fatalf("expected a fresh session after end")
	}
	b.End()
}

func TestEndIsIdempotentAndReleasesConnection(t *testing.T) {
	conn := &fakeConn{addr: "10.0.0.5:7777"}
	up := &fakeUpgrader{supports: true, conn: conn}
	r := NewRegistry(slog.Default(), 100, up)

	s := r.Start(context.Background(), "AA1BBB", 4096, time.Minute)
	if !s.Upgraded() {
		t.Fatalf("expected session above threshold to upgrade")
	}
	if s.ConnAddr() != "10.0.0.5:7777" {
		t.Fatalf("unexpected conn addr %q", s.ConnAddr())
	}

	s.End()
	s.End()
	if !conn.closed {
		t.Fatalf("expected upgraded connection released on end")
	}
	if s.Upgraded() {
		t.Fatalf("expected upgraded flag cleared after end")
	}
}

func TestUpgradeSkippedBelowThreshold(t *testing.T) {
	up := &fakeUpgrader{supports: true, conn: &fakeConn{}}
	r := NewRegistry(slog.Default(), 1024, up)

	s := r.Start(context.Background(), "AA1BBB", 512, time.Minute)
	defer s.End()

	if up.attempts != 0 {
		t.Fatalf("expected no upgrade attempt below threshold")
	}
	if s.Upgraded() {
		t.Fatalf("expected non-upgraded session")
	}
}

func TestUpgradeFailureContinuesNonUpgraded(t *testing.T) {
	up := &fakeUpgrader{supports: true, fail: true}
	r := NewRegistry(slog.Default(), 100, up)

	s := r.Start(context.Background(), "AA1BBB", 4096, time.Minute)
	defer s.End()

	if up.attempts != 1 {
		t.Fatalf("expected exactly one upgrade attempt, got %d", up.attempts)
	}
	if s.Upgraded() {
		t.Fatalf("expected session to continue non-upgraded on failure")
	}
}

func TestEndDuringUpgradeReleasesOrphanedConnection(t *testing.T) {
	conn := &fakeConn{addr: "10.0.0.5:7777"}
	up := &fakeUpgrader{supports: true, conn: conn}
	r := NewRegistry(slog.Default(), 100, up)

	up.onUpgrade = func() {
		if s, ok := r.Active("AA1BBB"); ok {
			s.End()
		}
	}

	s := r.Start(context.Background(), "AA1BBB", 4096, time.Minute)
	if s.Upgraded() {
		t.Fatalf("ended session must not report upgraded")
	}
	if s.Conn() != nil {
		t.Fatalf("ended session must not hold a connection")
	}
	if !conn.closed {
		t.Fatalf("connection dialed for an ended session must be closed")
	}
	if _, ok := r.Active("AA1BBB"); ok {
		t.Fatalf("expected session removed by the mid-upgrade end")
	}
}

func TestAutoExpiryEndsSession(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistryWithClock(slog.Default(), 1024, nil, clk)

	s := r.Start(context.Background(), "AA1BBB", 10, 5*time.Minute)
	if _, ok := r.Active("AA1BBB"); !ok {
		t.Fatalf("expected active session before expiry")
	}

	clk.Add(5 * time.Minute)

	if _, ok := r.Active("AA1BBB"); ok {
		t.Fatalf("expected session auto-expired")
	}
	// Double end after expiry stays safe.
	s.End()
}
