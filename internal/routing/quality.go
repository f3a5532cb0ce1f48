package routing

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"geogram/internal/transport"
)

const defaultQualityTimeout = time.Second

// Quality orders channels by a weighted score over recent latency,
// success rate, and the channel's per-device quality estimate. Higher
// scores go first.
type Quality struct {
	LatencyWeight float64
	SuccessWeight float64
	QualityWeight float64
	// QualityTimeout bounds the per-device quality fetch; expiry falls
	// back to transport.DefaultQuality.
	QualityTimeout time.Duration
}

func NewQuality() *Quality {
	return &Quality{
		LatencyWeight:  0.3,
		SuccessWeight:  0.4,
		QualityWeight:  0.3,
		QualityTimeout: defaultQualityTimeout,
	}
}

func (s *Quality) Name() string { return "quality" }

func (s *Quality) Select(ctx context.Context, deviceID string, _ transport.Kind, candidates []transport.Transport) []transport.Transport {
	if len(candidates) == 0 {
		return nil
	}

	wl, ws, wq := s.normalizedWeights()
	timeout := s.QualityTimeout
	if timeout <= 0 {
		timeout = defaultQualityTimeout
	}

	qualities := make([]int, len(candidates))
	var wg sync.WaitGroup
	for i, tr := range candidates {
		wg.Add(1)
		go func(i int, tr transport.Transport) {
			defer wg.Done()
			qualities[i] = transport.BoundedQuality(ctx, tr, deviceID, timeout)
		}(i, tr)
	}
	wg.Wait()

	scores := make([]float64, len(candidates))
	for i, tr := range candidates {
		m := tr.Metrics()
		latencyScore := 100 - math.Min(m.AvgLatencyMs/10, 100)
		scores[i] = wl*latencyScore + ws*(m.SuccessRate*100) + wq*float64(qualities[i])
	}

	out := make([]transport.Transport, len(candidates))
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	for i, j := range idx {
		out[i] = candidates[j]
	}

	return out
}

// normalizedWeights scales the configured weights so they sum to one,
// falling back to the defaults when the sum is degenerate.
func (s *Quality) normalizedWeights() (wl, ws, wq float64) {
	wl, ws, wq = s.LatencyWeight, s.SuccessWeight, s.QualityWeight
	sum := wl + ws + wq
	if sum <= 0 || math.IsNaN(sum) {
		return 0.3, 0.4, 0.3
	}
	if math.Abs(sum-1) > 1e-9 {
		wl, ws, wq = wl/sum, ws/sum, wq/sum
	}

	return wl, ws, wq
}
