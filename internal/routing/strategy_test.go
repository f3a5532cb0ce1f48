package routing

import (
	"context"
	"testing"
	"time"

	"geogram/internal/bus"
	"geogram/internal/transport"
)

// fakeTransport is a scriptable channel for strategy tests.
type fakeTransport struct {
	id          string
	priority    int
	available   bool
	initialized bool
	reachable   map[string]bool
	reachDelay  time.Duration
	quality     int
	qualityHang bool
	metrics     transport.Metrics
}

func newFakeTransport(id string, priority int) *fakeTransport {
	return &fakeTransport{
		id:          id,
		priority:    priority,
		available:   true,
		initialized: true,
		reachable:   make(map[string]bool),
		quality:     transport.DefaultQuality,
		metrics:     transport.NewMetrics(),
	}
}

func (f *fakeTransport) ID() string        { return f.id }
func (f *fakeTransport) Priority() int     { return f.priority }
func (f *fakeTransport) Available() bool   { return f.available }
func (f *fakeTransport) Initialized() bool { return f.initialized }

func (f *fakeTransport) CanReach(ctx context.Context, deviceID string) bool {
	if f.reachDelay > 0 {
		select {
		case <-time.After(f.reachDelay):
		case <-ctx.Done():
			return false
		}
	}
	return f.reachable[deviceID]
}

func (f *fakeTransport) Quality(ctx context.Context, _ string) int {
	if f.qualityHang {
		<-ctx.Done()
		return 0
	}
	return f.quality
}

func (f *fakeTransport) Send(_ context.Context, _ *transport.Message) *transport.Result {
	return transport.Failed("not scripted", f.id)
}

func (f *fakeTransport) SendAsync(_ *transport.Message)           {}
func (f *fakeTransport) Subscribe() bus.Subscription              { return make(bus.Subscription) }
func (f *fakeTransport) Unsubscribe(_ bus.Subscription)           {}
func (f *fakeTransport) Initialize(_ context.Context) error       { return nil }
func (f *fakeTransport) Close() error                             { return nil }
func (f *fakeTransport) Metrics() transport.Metrics               { return f.metrics }
func (f *fakeTransport) Devices() *transport.DeviceRegistry       { return transport.NewDeviceRegistry() }

func ids(list []transport.Transport) []string {
	out := make([]string, len(list))
	for i, tr := range list {
		out[i] = tr.ID()
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestPrioritySortsAscendingStable(t *testing.T) {
	a := newFakeTransport("relay", transport.PriorityRelay)
	b := newFakeTransport("radio", transport.PriorityShortRange)
	c := newFakeTransport("local", transport.PriorityLocalNet)
	d := newFakeTransport("radio2", transport.PriorityShortRange)
	for _, tr := range []*fakeTransport{a, b, c, d} {
		tr.reachable["AA1BBB"] = true
	}

	s := NewPriority()
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{a, b, c, d}))

	if !equalIDs(got, "local", "radio", "radio2", "relay") {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestPriorityFallsBackWhenNothingReachable(t *testing.T) {
	a := newFakeTransport("local", transport.PriorityLocalNet)
	b := newFakeTransport("radio", transport.PriorityShortRange)
	c := newFakeTransport("relay", transport.PriorityRelay)

	s := NewPriority()
	s.ProbeTimeout = 100 * time.Millisecond
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{c, a, b}))

	if !equalIDs(got, "local", "radio", "relay") {
		t.Fatalf("expected full ascending set on fallback, got %v", got)
	}
}

func TestPriorityFiltersUnreachable(t *testing.T) {
	a := newFakeTransport("local", transport.PriorityLocalNet)
	b := newFakeTransport("relay", transport.PriorityRelay)
	b.reachable["AA1BBB"] = true

	s := NewPriority()
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{a, b}))

	if !equalIDs(got, "relay") {
		t.Fatalf("expected only reachable relay, got %v", got)
	}
}

func TestPriorityProbeTimeoutCountsAsUnreachable(t *testing.T) {
	slow := newFakeTransport("local", transport.PriorityLocalNet)
	slow.reachable["AA1BBB"] = true
	slow.reachDelay = 500 * time.Millisecond
	fast := newFakeTransport("relay", transport.PriorityRelay)
	fast.reachable["AA1BBB"] = true

	s := NewPriority()
	s.ProbeTimeout = 50 * time.Millisecond
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{slow, fast}))

	if !equalIDs(got, "relay") {
		t.Fatalf("expected slow probe to be dropped, got %v", got)
	}
}

func TestPriorityEmptyCandidates(t *testing.T) {
	s := NewPriority()
	if got := s.Select(context.Background(), "AA1BBB", transport.KindSync, nil); len(got) != 0 {
		t.Fatalf("expected empty result for empty candidates, got %v", got)
	}
}

func TestQualityPrefersBetterScore(t *testing.T) {
	good := newFakeTransport("good", transport.PriorityRelay)
	good.quality = 90
	good.metrics = good.metrics.Record(50*time.Millisecond, true, time.Now())

	bad := newFakeTransport("bad", transport.PriorityLocalNet)
	bad.quality = 10
	bad.metrics = bad.metrics.Record(900*time.Millisecond, true, time.Now())
	bad.metrics = bad.metrics.Record(0, false, time.Now())

	s := NewQuality()
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{bad, good}))

	if !equalIDs(got, "good", "bad") {
		t.Fatalf("expected quality order good,bad; got %v", got)
	}
}

func TestQualityHangingProbeGetsDefaultScore(t *testing.T) {
	hang := newFakeTransport("hang", transport.PriorityLocalNet)
	hang.qualityHang = true
	plain := newFakeTransport("plain", transport.PriorityRelay)
	plain.quality = transport.DefaultQuality

	s := NewQuality()
	s.QualityTimeout = 50 * time.Millisecond
	got := s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{hang, plain})

	// Identical defaulted scores keep input order by stable sort.
	if !equalIDs(ids(got), "hang", "plain") {
		t.Fatalf("expected stable order on tied scores, got %v", ids(got))
	}
}

func TestQualityNormalizesWeights(t *testing.T) {
	s := NewQuality()
	s.LatencyWeight, s.SuccessWeight, s.QualityWeight = 3, 4, 3
	wl, ws, wq := s.normalizedWeights()
	if wl != 0.3 || ws != 0.4 || wq != 0.3 {
		t.Fatalf("expected normalized 0.3/0.4/0.3, got %v/%v/%v", wl, ws, wq)
	}
}

func TestFailoverExplicitOrderThenRemainder(t *testing.T) {
	a := newFakeTransport("local", transport.PriorityLocalNet)
	b := newFakeTransport("radio", transport.PriorityShortRange)
	c := newFakeTransport("relay", transport.PriorityRelay)

	s := NewFailover("relay", "missing", "radio")
	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{a, b, c}))

	if !equalIDs(got, "relay", "radio", "local") {
		t.Fatalf("unexpected failover order: %v", got)
	}
}

func TestByKindDelegatesWithFallback(t *testing.T) {
	a := newFakeTransport("local", transport.PriorityLocalNet)
	b := newFakeTransport("relay", transport.PriorityRelay)

	s := NewByKind(NewFailover("local")).
		Route(transport.KindDirectMessage, NewFailover("relay"))

	got := ids(s.Select(context.Background(), "AA1BBB", transport.KindDirectMessage,
		[]transport.Transport{a, b}))
	if !equalIDs(got, "relay", "local") {
		t.Fatalf("expected direct-message route first, got %v", got)
	}

	got = ids(s.Select(context.Background(), "AA1BBB", transport.KindSync,
		[]transport.Transport{a, b}))
	if !equalIDs(got, "local", "relay") {
		t.Fatalf("expected fallback route, got %v", got)
	}
}
