package transport

import (
	"testing"
	"time"
)

func TestMetricsStartWithPerfectSuccessRate(t *testing.T) {
	m := NewMetrics()
	if m.SuccessRate != 1.0 {
		t.Fatalf("expected initial success rate 1.0, got %v", m.SuccessRate)
	}
	if m.TotalSent != 0 || m.TotalFailed != 0 {
		t.Fatalf("expected zero counters, got sent=%d failed=%d", m.TotalSent, m.TotalFailed)
	}
}

func TestMetricsRecordSuccess(t *testing.T) {
	now := time.Now()
	m := NewMetrics().Record(100*time.Millisecond, true, now)

	if m.TotalSent != 1 || m.TotalFailed != 0 {
		t.Fatalf("unexpected counters: sent=%d failed=%d", m.TotalSent, m.TotalFailed)
	}
	if m.SuccessRate != 1.0 {
		t.Fatalf("expected success rate 1.0, got %v", m.SuccessRate)
	}
	if m.AvgLatencyMs != 100 {
		t.Fatalf("expected avg latency 100ms, got %v", m.AvgLatencyMs)
	}
	if !m.LastSuccess.Equal(now) {
		t.Fatalf("expected last success %v, got %v", now, m.LastSuccess)
	}
}

func TestMetricsRecordMixedOutcomes(t *testing.T) {
	now := time.Now()
	m := NewMetrics()
	m = m.Record(100*time.Millisecond, true, now)
	m = m.Record(400*time.Millisecond, false, now)
	m = m.Record(300*time.Millisecond, true, now)
	m = m.Record(0, false, now)

	if m.TotalSent != 4 || m.TotalFailed != 2 {
		t.Fatalf("unexpected counters: sent=%d failed=%d", m.TotalSent, m.TotalFailed)
	}
	if m.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", m.SuccessRate)
	}
	if m.AvgLatencyMs != 200 {
		t.Fatalf("expected avg latency 200ms over all sends, got %v", m.AvgLatencyMs)
	}
	if m.TotalFailed > m.TotalSent {
		t.Fatalf("invariant violated: failed=%d > sent=%d", m.TotalFailed, m.TotalSent)
	}
}

func TestMetricsFailedSendLatencyMovesMean(t *testing.T) {
	now := time.Now()
	m := NewMetrics()
	m = m.Record(100*time.Millisecond, true, now)
	m = m.Record(300*time.Millisecond, false, now)

	if m.AvgLatencyMs != 200 {
		t.Fatalf("slow failure should move the mean to 200, got %v", m.AvgLatencyMs)
	}
}

func TestMetricsRecordDoesNotMutateReceiver(t *testing.T) {
	m := NewMetrics()
	_ = m.Record(time.Second, false, time.Now())

	if m.TotalSent != 0 || m.TotalFailed != 0 || m.SuccessRate != 1.0 {
		t.Fatalf("receiver mutated: %+v", m)
	}
}
