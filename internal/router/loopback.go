package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Loopback is the client side of the local application boundary: an HTTP
// API served by the application on localhost. The manager forwards
// matching inbound traffic to it.
type Loopback struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewLoopback(port int, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default().With("component", "loopback")
	}
	return &Loopback{
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		client:  &http.Client{Timeout: 25 * time.Second},
		logger:  logger,
	}
}

// NewLoopbackURL builds a client against an explicit base URL. Tests use
// it to point at a local httptest server.
func NewLoopbackURL(baseURL string, logger *slog.Logger) *Loopback {
	l := NewLoopback(0, logger)
	l.baseURL = strings.TrimSuffix(baseURL, "/")
	return l
}

// Forward replays an inbound request against the local server and
// returns its status and body.
func (l *Loopback) Forward(ctx context.Context, method, path string, headers map[string]string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, mapMethod(method), l.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build loopback request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(payload) > 0 {
		req.Header.Set("Content-Type", sniffContentType(payload))
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("loopback call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read loopback response: %w", err)
	}
	l.logger.Debug("loopback call", "method", req.Method, "path", path, "status", resp.StatusCode)

	return resp.StatusCode, body, nil
}

// ForwardChat posts a signed direct-message event to the conversation
// endpoint keyed by the sender. 200 and 201 both count as accepted.
func (l *Loopback) ForwardChat(ctx context.Context, senderID string, signedEvent json.RawMessage) error {
	body, err := json.Marshal(map[string]json.RawMessage{"event": signedEvent})
	if err != nil {
		return fmt.Errorf("encode chat event: %w", err)
	}
	path := "/api/chat/" + url.PathEscape(senderID) + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat loopback call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("chat endpoint returned %d", resp.StatusCode)
	}

	return nil
}

// mapMethod maps the message method 1:1 onto HTTP, defaulting to GET for
// anything unknown.
func mapMethod(method string) string {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodPost:
		return http.MethodPost
	case http.MethodPut:
		return http.MethodPut
	case http.MethodDelete:
		return http.MethodDelete
	default:
		return http.MethodGet
	}
}

// sniffContentType defaults binary payloads to octet-stream and
// everything else to JSON.
func sniffContentType(payload []byte) string {
	if utf8.Valid(payload) {
		return "application/json"
	}
	return "application/octet-stream"
}
