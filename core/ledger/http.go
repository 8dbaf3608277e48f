package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway posts entries to a ledger relay over HTTP.
type HTTPGateway struct {
	url    string
	apiKey string
	client *http.Client
}

// Option customizes the gateway.
type Option func(*HTTPGateway)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// NewHTTPGateway creates a gateway for the relay at url.
func NewHTTPGateway(url, apiKey string, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *HTTPGateway) Register(ctx context.Context, token string, payload Payload) (Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode payload: %w", ErrRejected, err)
	}
	digest, err := payload.Digest()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: build request: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", token)
	req.Header.Set("X-Payload-Digest", digest)
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Receipt{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: read response: %w", ErrTransient, err)
	}

	switch {
	// 409 means the relay already holds an entry for this token; it returns that entry.
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusConflict:
		var receipt Receipt
		if err := json.Unmarshal(raw, &receipt); err != nil || receipt.EntryID == "" {
			return Receipt{}, fmt.Errorf("%w: malformed receipt (status %d): %s", ErrTransient, resp.StatusCode, snippet(raw))
		}
		return receipt, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, reason(raw))
	default:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, reason(raw))
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: timeout: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func reason(raw []byte) string {
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return snippet(raw)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
