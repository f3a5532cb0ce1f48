package routing

import (
	"context"

	"geogram/internal/transport"
)

// ByKind dispatches to a delegate strategy chosen by message kind, with a
// fallback for unmapped kinds. It adds no filtering of its own.
type ByKind struct {
	routes   map[transport.Kind]Strategy
	fallback Strategy
}

func NewByKind(fallback Strategy) *ByKind {
	if fallback == nil {
		fallback = NewPriority()
	}
	return &ByKind{
		routes:   make(map[transport.Kind]Strategy),
		fallback: fallback,
	}
}

// Route maps a message kind to a delegate strategy.
func (s *ByKind) Route(kind transport.Kind, delegate Strategy) *ByKind {
	s.routes[kind] = delegate
	return s
}

func (s *ByKind) Name() string { return "by-kind" }

func (s *ByKind) Select(ctx context.Context, deviceID string, kind transport.Kind, candidates []transport.Transport) []transport.Transport {
	if delegate, ok := s.routes[kind]; ok {
		return delegate.Select(ctx, deviceID, kind, candidates)
	}

	return s.fallback.Select(ctx, deviceID, kind, candidates)
}
