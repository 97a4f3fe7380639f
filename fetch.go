// Package gofetchdata binds HTTP GET requests to query cache entries.
//
// Fetch registers a query whose fetch function issues one GET through a
// Client and returns the decoded body. Caching, deduplication, retries and
// staleness belong to the query package; the response cache under the HTTP
// client belongs to CacheTransport.
package gofetchdata

import (
	"context"
	"sync"

	"github.com/dgduncan/go-fetch-data/query"
)

// Request describes one query backed by a GET request.
type Request[T any] struct {
	// QueryKey identifies the cache entry. Equal keys share one entry.
	QueryKey query.Key

	URL string

	// Params are sent as query-string parameters. They take precedence over
	// Transport.Params key by key.
	Params Params

	// Transport is forwarded to Get as is, apart from its merged Params.
	Transport *TransportConfig

	// Options are applied after the key and fetch function built from this
	// Request. A non-nil Options.Key or Options.Fn replaces the built one.
	Options *query.Options[T]
}

// defaultClient is shared by every Fetch given a nil Client, so its
// connection pool is reused.
var defaultClient = sync.OnceValue(func() *Client {
	return NewClient(nil, nil, nil)
})

// Fetch registers, or reuses, the query for req.QueryKey and returns its
// state without waiting for the network. Transport failures are reported
// through the state's Err, never returned.
//
// A nil hc uses a shared Client built from DefaultConfig.
func Fetch[T any](ctx context.Context, qc *query.Client, hc *Client, req Request[T]) *query.State[T] {
	if hc == nil {
		hc = defaultClient()
	}

	return query.Use(ctx, qc, req.queryOptions(hc))
}

func (r Request[T]) transportConfig() TransportConfig {
	var cfg TransportConfig
	if r.Transport != nil {
		cfg = *r.Transport
	}
	cfg.Params = cfg.Params.Merge(r.Params)
	return cfg
}

func (r Request[T]) queryOptions(hc *Client) query.Options[T] {
	url, cfg := r.URL, r.transportConfig()
	key := r.QueryKey
	fn := func(ctx context.Context) (T, error) {
		return Get[T](ctx, hc, url, cfg)
	}

	if r.Options == nil {
		return query.Options[T]{Key: key, Fn: fn}
	}

	o := *r.Options
	if o.Key == nil {
		o.Key = key
	}
	if o.Fn == nil {
		o.Fn = fn
	}
	return o
}
