package routing

import (
	"context"

	"geogram/internal/transport"
)

// Failover attempts channels in an explicit caller-supplied order, then
// any remaining candidates in their registry order.
type Failover struct {
	Order []string
}

func NewFailover(order ...string) *Failover {
	return &Failover{Order: order}
}

func (s *Failover) Name() string { return "failover" }

func (s *Failover) Select(_ context.Context, _ string, _ transport.Kind, candidates []transport.Transport) []transport.Transport {
	if len(candidates) == 0 {
		return nil
	}

	byID := make(map[string]transport.Transport, len(candidates))
	for _, tr := range candidates {
		byID[tr.ID()] = tr
	}

	out := make([]transport.Transport, 0, len(candidates))
	taken := make(map[string]bool, len(candidates))
	for _, id := range s.Order {
		if tr, ok := byID[id]; ok && !taken[id] {
			out = append(out, tr)
			taken[id] = true
		}
	}
	for _, tr := range candidates {
		if !taken[tr.ID()] {
			out = append(out, tr)
		}
	}

	return out
}
