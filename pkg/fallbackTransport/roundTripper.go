package fallbackTransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// RoundTripper adapts the transport to net/http so JSON-RPC clients built on an
// http.Client retry transparently. The request URL is replaced by each endpoint in turn.
func (t *Transport) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{transport: t, base: base}
}

type roundTripper struct {
	transport *Transport
	base      http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		body = b
	}

	var resp *http.Response
	err := rt.transport.Execute(req.Context(), func(ctx context.Context, endpoint string) error {
		target, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		attemptReq := req.Clone(ctx)
		attemptReq.URL = target
		attemptReq.Host = target.Host
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}

		r, err := rt.base.RoundTrip(attemptReq)
		if err != nil {
			return err
		}
		// The body must be consumed before the attempt context is cancelled.
		payload, readErr := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if readErr != nil {
			return fmt.Errorf("failed to read response from %s: %w", target.Host, readErr)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			return fmt.Errorf("endpoint %s returned status %d", target.Host, r.StatusCode)
		}
		r.Body = io.NopCloser(bytes.NewReader(payload))
		r.ContentLength = int64(len(payload))
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// NewHTTPClient returns an http.Client for the endpoints. A single endpoint gets a
// plain timeout-bounded client; several endpoints get the fallback round tripper.
func NewHTTPClient(endpoints []string, cfg *Config, l *zap.Logger) (*http.Client, error) {
	if len(endpoints) == 1 {
		timeout := DefaultTimeout
		if cfg != nil && cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		return &http.Client{Timeout: timeout}, nil
	}
	t, err := NewTransport(endpoints, cfg, l)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t.RoundTripper(nil)}, nil
}
