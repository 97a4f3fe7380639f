package gofetchdata

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/dgduncan/go-fetch-data/caches"
)

const (
	headerCacheControl = "Cache-Control"
	headerETAG         = "Etag"

	headerIfNoneMatch = "If-None-Match"

	headerLastModified    = "Last-Modified"
	headerIfModifiedSince = "If-Modified-Since"
)

const (
	directiveCacheControlMaxAge  = "max-age"
	directiveCacheControlNoStore = "no-store"
)

// CacheTransport implements http.RoundTripper and caches GET responses
// that carry a validator (ETag or Last-Modified). Fresh entries are
// replayed without a request; expired entries are revalidated with a
// conditional request and replayed when the origin answers 304.
type CacheTransport struct {
	Wrapped http.RoundTripper

	cache     caches.Store
	overrides []DomainOverride
	logger    *slog.Logger
	now       func() time.Time
}

// RoundTrip implements http.RoundTripper.
//
// The process follows these steps:
// 1. Bypasses the cache for anything but GET
// 2. Returns the cached response if still fresh
// 3. Adds conditional headers if the cached response expired
// 4. Replays the cached response on 304 and extends its lifetime
// 5. Stores new responses carrying a validator.
func (c *CacheTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet {
		return c.Wrapped.RoundTrip(r)
	}

	ctx := r.Context()
	key := caches.Key(r)

	item, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		c.logger.DebugContext(ctx, "cache item found", "url", r.URL.String())
		cached, readErr := replay(item, r)
		if readErr == nil {
			return cached, nil
		}
		c.logger.WarnContext(ctx, "error reading cached response", "url", r.URL.String(), "error", readErr)
		item = nil
	case errors.Is(err, caches.ErrItemExpired):
		c.logger.DebugContext(ctx, "cache item expired, attempting revalidation",
			"url", r.URL.String(),
			"expiration", item.Expiration.Format(time.RFC3339))

		r = r.Clone(ctx)
		if item.ETag != "" {
			r.Header.Set(headerIfNoneMatch, item.ETag)
		}
		if item.LastModified != nil {
			r.Header.Set(headerIfModifiedSince, item.LastModified.UTC().Format(http.TimeFormat))
		}
	case errors.Is(err, caches.ErrNoCacheItem):
		c.logger.DebugContext(ctx, "cache item not found", "url", r.URL.String())
		item = nil
	default:
		c.logger.WarnContext(ctx, "error reading cache", "url", r.URL.String(), "error", err)
		item = nil
	}

	resp, err := c.Wrapped.RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusNotModified && item != nil {
		expiration := c.now().UTC().Add(c.timeToCache(r, resp))
		c.logger.DebugContext(ctx, "cache item successfully revalidated",
			"url", r.URL.String(),
			"expiration", expiration.Format(time.RFC3339))

		if updateErr := c.cache.Update(ctx, key, expiration); updateErr != nil {
			c.logger.WarnContext(ctx, "error updating cache with response", "error", updateErr)
		}

		cached, readErr := replay(item, r)
		if readErr != nil {
			c.logger.WarnContext(ctx, "error reading cached response", "url", r.URL.String(), "error", readErr)
			return resp, nil
		}
		drain(resp)
		return cached, nil
	}

	// a 304 without a cached item answers the caller's own conditional headers
	if resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	if resp.StatusCode != http.StatusPreconditionFailed && (resp.StatusCode < 200 || resp.StatusCode > 399) {
		return resp, nil
	}

	if hasDirective(resp.Header.Get(headerCacheControl), directiveCacheControlNoStore) {
		c.logger.DebugContext(ctx, "no-store directive found, not caching response", "url", r.URL.String())
		return resp, nil
	}

	etag := resp.Header.Get(headerETAG)
	lastModified := getLastModifiedHeader(resp)
	if etag == "" && lastModified == nil {
		c.logger.DebugContext(ctx, "no etag or last-modified header found, not caching response", "url", r.URL.String())
		return resp, nil
	}

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.WarnContext(ctx, "error dumping response", "url", r.URL.String(), "error", err)
		return resp, nil
	}

	now := c.now().UTC()
	expiration := now.Add(c.timeToCache(r, resp))
	c.logger.DebugContext(ctx, "caching response", "url", r.URL.String(), "expiration", expiration.Format(time.RFC3339))

	if cacheErr := c.cache.Set(ctx, key, &caches.Item{
		Value:        dump,
		ETag:         etag,
		LastModified: lastModified,
		UpdatedAt:    now,
		Expiration:   expiration,
	}); cacheErr != nil {
		c.logger.WarnContext(ctx, "error caching response", "error", cacheErr)
	}

	return resp, nil
}

func replay(item *caches.Item, r *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(item.Value)), r)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// timeToCache returns the lifetime of a response: the first matching
// domain override, else its max-age, else zero.
func (c *CacheTransport) timeToCache(r *http.Request, resp *http.Response) time.Duration {
	for _, v := range c.overrides {
		if strings.HasPrefix(r.URL.Host+r.URL.Path, v.URI) {
			c.logger.DebugContext(r.Context(), "caching override found", "uri", v.URI)
			return v.Duration
		}
	}

	return getMaxAge(resp)
}

func getMaxAge(r *http.Response) time.Duration {
	for _, directive := range strings.Split(r.Header.Get(headerCacheControl), ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, directiveCacheControlMaxAge) {
			continue
		}

		seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	return 0
}

func hasDirective(cacheControl, directive string) bool {
	for _, d := range strings.Split(cacheControl, ",") {
		if strings.EqualFold(strings.TrimSpace(d), directive) {
			return true
		}
	}
	return false
}

func getLastModifiedHeader(r *http.Response) *time.Time {
	lastModified := r.Header.Get(headerLastModified)
	if lastModified == "" {
		return nil
	}
	parsedTime, err := time.Parse(http.TimeFormat, lastModified)
	if err != nil {
		return nil
	}
	return &parsedTime
}

// NewTransport creates a transport middleware that adds conditional caching
// to an HTTP RoundTripper, storing responses in cache.
//
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
//
// The returned function wraps the given http.RoundTripper with caching functionality:
//   - Caches GET responses that contain ETag or Last-Modified headers
//   - Handles cache revalidation using If-None-Match and If-Modified-Since headers
//   - Respects Cache-Control max-age and no-store directives
//   - Logs cache operations when a logger is provided
func NewTransport(
	cache caches.Store,
	overrides []DomainOverride,
	now func() time.Time,
	logger *slog.Logger,
) func(http.RoundTripper) http.RoundTripper {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		return &CacheTransport{Wrapped: rt, cache: cache, overrides: overrides, now: nowFunc, logger: logger}
	}
}
