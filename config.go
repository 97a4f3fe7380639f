package gofetchdata

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dgduncan/go-fetch-data/caches"
)

const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is prepended to request URLs that are not absolute.
	BaseURL string

	// Timeout bounds every request, including reading the body. Zero means no limit.
	Timeout time.Duration

	// Headers are sent with every request. TransportConfig.Headers override them.
	Headers map[string]string

	// Transport is the base round tripper. Nil uses the HTTP client's default.
	Transport http.RoundTripper

	// ResponseCache, when set, wraps the transport in a CacheTransport so
	// responses carrying an ETag or Last-Modified header are stored and
	// revalidated with conditional requests.
	ResponseCache caches.Store

	// DomainOverrides allow for users to override the caching-directive responses from
	// upstream servers and cache for an arbitrary amount of time. Once expired, will attempt
	// to revalidate the cached item with a conditional request. If upstream server does not return
	// an Etag or Last-Modified header, caching will be completely bypassed.
	DomainOverrides []DomainOverride

	// TracerProvider creates the spans wrapping each request. Nil disables tracing.
	TracerProvider trace.TracerProvider
}

type DomainOverride struct {
	URI string // eg. misbehaving_caching_domain.com

	Duration time.Duration // eg. 1H
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:         defaultTimeout,
		DomainOverrides: nil,
	}
}
