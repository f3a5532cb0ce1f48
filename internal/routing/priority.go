package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"geogram/internal/transport"
)

const defaultProbeTimeout = 2 * time.Second

// Priority is the default strategy: keep reachable channels, ordered by
// ascending priority. When no channel is provably reachable it falls back
// to the whole candidate set, so callers still get attempted and get an
// informative failure instead of an empty list. An empty result only
// happens when there are zero candidates at all.
type Priority struct {
	// FilterUnreachable probes every candidate before ordering. Probes
	// run in parallel, each bounded by ProbeTimeout; a timed-out probe
	// counts as unreachable.
	FilterUnreachable bool
	ProbeTimeout      time.Duration
}

func NewPriority() *Priority {
	return &Priority{
		FilterUnreachable: true,
		ProbeTimeout:      defaultProbeTimeout,
	}
}

func (s *Priority) Name() string { return "priority" }

func (s *Priority) Select(ctx context.Context, deviceID string, _ transport.Kind, candidates []transport.Transport) []transport.Transport {
	if len(candidates) == 0 {
		return nil
	}

	selected := candidates
	if s.FilterUnreachable {
		if reachable := s.probeAll(ctx, deviceID, candidates); len(reachable) > 0 {
			selected = reachable
		}
	}

	out := make([]transport.Transport, len(selected))
	copy(out, selected)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })

	return out
}

// probeAll checks reachability of every candidate concurrently and
// returns the reachable ones preserving input order.
func (s *Priority) probeAll(ctx context.Context, deviceID string, candidates []transport.Transport) []transport.Transport {
	timeout := s.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	results := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, tr := range candidates {
		wg.Add(1)
		go func(i int, tr transport.Transport) {
			defer wg.Done()
			results[i] = transport.BoundedReach(ctx, tr, deviceID, timeout)
		}(i, tr)
	}
	wg.Wait()

	var reachable []transport.Transport
	for i, ok := range results {
		if ok {
			reachable = append(reachable, candidates[i])
		}
	}

	return reachable
}
