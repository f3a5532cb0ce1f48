// Package routing holds the pluggable policies that order and filter the
// candidate channel set for one outbound message. Strategies are pure:
// they read availability and metrics, never mutate channel state.
package routing

import (
	"context"

	"geogram/internal/transport"
)

// Strategy orders the candidate channels for a message. Candidates are
// the currently available and initialized channels; the returned slice is
// the order the router will attempt them in.
type Strategy interface {
	Name() string
	Select(ctx context.Context, deviceID string, kind transport.Kind, candidates []transport.Transport) []transport.Transport
}
