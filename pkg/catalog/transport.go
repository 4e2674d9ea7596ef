package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UserAgent is sent with every http request
const UserAgent = "ExtensionBridge/1.0"

// Object is an opened remote object. Body is nil when NotModified is set.
type Object struct {
	Body         io.ReadCloser
	ETag         string
	LastModified string
	NotModified  bool
}

// Transport opens catalog objects. A missing object is ErrNotFound. When
// cached is not nil the request is conditional on its validators.
type Transport interface {
	Open(ctx context.Context, url string, cached *CachedIndex) (*Object, error)
}

// HTTPTransport fetches objects over http(s)
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport creates a transport with an instrumented client. A zero
// timeout leaves requests bounded by their context only.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return NewHTTPTransportWithClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	})
}

// NewHTTPTransportWithClient uses client as is
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client, userAgent: UserAgent}
}

// Open implements Transport
func (t *HTTPTransport) Open(ctx context.Context, url string, cached *CachedIndex) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		resp.Body.Close()
		return &Object{NotModified: true, ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", url, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	return &Object{
		Body:         resp.Body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
