package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/strandworks/strand/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTP is the built-in core/http provider: webhook-style calls used by
// communication and documentation workflows that only need a plain
// endpoint. Single action "request".
type HTTP struct {
	client          *http.Client
	maxResponseBody int64
}

// NewHTTP creates the core/http provider. client may be nil for defaults.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTP{client: client, maxResponseBody: defaultMaxResponseBody}
}

func (h *HTTP) Invoke(ctx context.Context, action string, inputs map[string]any) (*Result, error) {
	if action != "request" {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "http has no action %q", action)
	}

	rawURL, _ := inputs["url"].(string)
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeCapability, "http.request requires a url")
	}
	method := strings.ToUpper(stringOr(inputs, "method", http.MethodGet))

	var body io.Reader
	if b, ok := inputs["body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeCapability, "encode request body: %s", err.Error()).WithCause(err)
			}
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "build request: %s", err.Error()).WithCause(err)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "http request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCapability, "read response body: %s", err.Error()).WithCause(err)
	}

	// JSON responses are decoded so downstream steps can traverse them.
	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			decoded = v
		}
	}

	if resp.StatusCode >= 500 {
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"http request returned %s", resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": rawURL})
	}

	return &Result{
		Outputs: map[string]any{
			"status_code": resp.StatusCode,
			"body":        decoded,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}, nil
}

func (h *HTTP) CheckHealth(ctx context.Context) bool {
	return h.client != nil
}

func stringOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
