package transport

import "time"

// Metrics is a rolling performance snapshot derived purely from send
// outcomes. Values are immutable; Record returns a new snapshot.
type Metrics struct {
	AvgLatencyMs float64
	// SuccessRate is successes over total sends in [0,1]. It starts at
	// 1.0 so an untried channel is not penalized by scoring strategies.
	SuccessRate float64
	TotalSent   int64
	TotalFailed int64
	LastSuccess time.Time
	LastFailure time.Time
}

func NewMetrics() Metrics {
	return Metrics{SuccessRate: 1.0}
}

// Record folds one send outcome into a new snapshot. Every send's
// latency moves the rolling mean, failures included, so a channel that
// fails slowly scores as slow.
func (m Metrics) Record(latency time.Duration, ok bool, at time.Time) Metrics {
	next := m
	next.TotalSent++
	sample := float64(latency.Milliseconds())
	next.AvgLatencyMs = (m.AvgLatencyMs*float64(m.TotalSent) + sample) / float64(next.TotalSent)
	if ok {
		next.LastSuccess = at
	} else {
		next.TotalFailed++
		next.LastFailure = at
	}
	next.SuccessRate = float64(next.TotalSent-next.TotalFailed) / float64(next.TotalSent)

	return next
}
