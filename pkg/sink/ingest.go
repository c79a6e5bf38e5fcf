package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultIngestTimeout bounds the outbound POST to the immutable ingest
// endpoint. Non-positive overrides fall back to this value.
const DefaultIngestTimeout = 5000 * time.Millisecond

// IngestClient posts immutable payloads to an external HTTP collector.
type IngestClient struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewIngestClient creates a client. timeout <= 0 selects DefaultIngestTimeout.
func NewIngestClient(url, token string, timeout time.Duration) *IngestClient {
	if timeout <= 0 {
		timeout = DefaultIngestTimeout
	}
	return &IngestClient{
		url:     url,
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// Send posts {version:1, source, payload_hash, entry} and returns the sink
// reference: the x-immutable-receipt response header when present, otherwise
// "http:<status>". Any non-2xx status or transport error (including timeout)
// is a blocking sink failure.
func (c *IngestClient) Send(ctx context.Context, source, payloadHash, entryHash string, entry any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"version":      1,
		"source":       source,
		"payload_hash": payloadHash,
		"entry":        entry,
	})
	if err != nil {
		return "", fmt.Errorf("ingest payload marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ingest request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-audit-entry-hash", entryHash)
	req.Header.Set("x-audit-payload-sha256", payloadHash)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("immutable ingest request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("immutable ingest rejected entry: status %d", resp.StatusCode)
	}
	if ref := resp.Header.Get("x-immutable-receipt"); ref != "" {
		return ref, nil
	}
	return fmt.Sprintf("http:%d", resp.StatusCode), nil
}
