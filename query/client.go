// Package query caches the results of fetch functions by key.
//
// A Client holds one entry per distinct Key. Use registers a query against
// its entry and returns a live State; the Client decides when the fetch
// function runs: when the entry has no data, failed, was invalidated or is
// older than its stale time. At most one fetch per entry is in flight at a
// time, failed fetches are retried, and entries without observers are
// garbage collected.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgduncan/go-fetch-data/caches"
)

var (
	// ErrPanic is returned if a fetch function panics.
	ErrPanic = errors.New("panic occurred in fetch function")

	// ErrMissingFetchFunc is returned when a query is fetched before any
	// fetch function was registered for it.
	ErrMissingFetchFunc = errors.New("query has no fetch function")
)

const storeKeyPrefix = "query#"

type entry struct {
	id   uint64
	key  Key
	hash string

	fn   func(ctx context.Context) (any, error)
	opts resolved

	data          any
	hasData       bool
	dataUpdatedAt time.Time

	err            error
	errorUpdatedAt time.Time
	failureCount   int

	status      Status
	fetchStatus FetchStatus
	invalidated bool
	gen         uint64 // bumped by every invalidation

	observers int
	gcTimer   *time.Timer
}

func (e *entry) flightKey() string {
	return e.hash + "#" + strconv.FormatUint(e.id, 10)
}

func (e *entry) isStale(now time.Time) bool {
	if !e.hasData || e.invalidated {
		return true
	}
	if e.opts.staleTime == StaleNever {
		return false
	}
	return now.Sub(e.dataUpdatedAt) >= e.opts.staleTime
}

func (e *entry) setData(v any, at time.Time) {
	e.data = v
	e.hasData = true
	e.dataUpdatedAt = at
	e.err = nil
	e.status = StatusSuccess
	e.invalidated = false
}

// Client is a concurrent-safe query cache.
type Client struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextID  uint64

	group singleflight.Group

	c       Config
	metrics *metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a query client.
//
// If opts is nil, DefaultConfig is used; otherwise opts is used as given.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func NewClient(opts *Config, now func() time.Time, logger *slog.Logger) *Client {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	return &Client{
		entries: make(map[string]*entry),
		c:       c,
		metrics: newMetrics(c.Registerer),
		logger:  logger,
		now:     nowFunc,
	}
}

// Use registers the query described by opts and returns its State.
//
// The entry for opts.Key is created on first use, hydrated from the
// configured Store when possible. The latest opts.Fn becomes the entry's
// fetch function. A fetch starts in the background when the query is
// enabled and its data is missing, failed, invalidated or stale; Use never
// blocks on it. An unusable key yields a State in error status.
func Use[T any](ctx context.Context, c *Client, opts Options[T]) *State[T] {
	hash, err := Hash(opts.Key)
	if err != nil {
		c.logger.WarnContext(ctx, "rejecting query", "error", err)
		return &State[T]{c: c, err: err}
	}

	r := resolve(c.c, opts)

	var (
		hydrated   *T
		hydratedAt time.Time
	)
	if c.c.Store != nil && !c.has(hash) {
		hydrated, hydratedAt = hydrate[T](ctx, c, hash)
	}

	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok {
		e = c.newEntryLocked(opts.Key, hash)
		if hydrated != nil {
			e.setData(*hydrated, hydratedAt)
		}
	}

	e.opts = r
	if opts.Fn != nil {
		fn := opts.Fn
		e.fn = func(ctx context.Context) (any, error) { return fn(ctx) }
	}
	if opts.InitialData != nil && !e.hasData {
		e.setData(*opts.InitialData, c.now())
	}
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}

	lookup := "miss"
	stale := e.isStale(c.now())
	if e.hasData {
		lookup = "fresh"
		if stale {
			lookup = "stale"
		}
	}
	shouldFetch := r.enabled && e.fn != nil && (e.status != StatusSuccess || stale)
	c.mu.Unlock()

	c.metrics.recordLookup(lookup)
	c.logger.DebugContext(ctx, "query registered", "key", hash, "cache", lookup, "fetch", shouldFetch)

	s := &State[T]{c: c, e: e}
	if shouldFetch {
		s.wait = c.fetch(ctx, e)
	}

	return s
}

// GetQueryData returns the data held for key, if any of type T.
func GetQueryData[T any](c *Client, key Key) (data T, ok bool) {
	hash, err := Hash(key)
	if err != nil {
		return data, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[hash]
	if !found || !e.hasData {
		return data, false
	}
	data, ok = e.data.(T)
	return data, ok
}

// SetQueryData replaces the data held for key, creating the entry when
// needed, and persists it to the configured Store.
func SetQueryData[T any](ctx context.Context, c *Client, key Key, data T) error {
	hash, err := Hash(key)
	if err != nil {
		return err
	}

	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[hash]
	if !ok {
		e = c.newEntryLocked(key, hash)
		e.opts = resolve(c.c, Options[T]{})
		c.scheduleGCLocked(e)
	}
	e.setData(data, now)
	gcTime := e.opts.gcTime
	c.mu.Unlock()

	c.persist(ctx, hash, data, now, gcTime)
	return nil
}

// InvalidateQueries marks every entry whose key starts with prefix as stale
// and refetches the ones that are observed. It returns the number of
// matching entries.
func (c *Client) InvalidateQueries(ctx context.Context, prefix Key) int {
	var matched int
	var active []*entry

	c.mu.Lock()
	for _, e := range c.entries {
		if !hasPrefix(e.key, prefix) {
			continue
		}
		matched++
		e.invalidated = true
		e.gen++
		if e.observers > 0 && e.opts.enabled && e.fn != nil {
			active = append(active, e)
		}
	}
	c.mu.Unlock()

	for _, e := range active {
		c.fetch(ctx, e)
	}

	c.logger.DebugContext(ctx, "queries invalidated", "matched", matched, "refetched", len(active))
	return matched
}

// RemoveQueries drops every entry whose key starts with prefix, together
// with its persisted data. It returns the number of removed entries.
func (c *Client) RemoveQueries(ctx context.Context, prefix Key) int {
	var removed []string

	c.mu.Lock()
	for hash, e := range c.entries {
		if hasPrefix(e.key, prefix) {
			c.removeLocked(e)
			removed = append(removed, hash)
		}
	}
	c.mu.Unlock()

	for _, hash := range removed {
		c.forget(ctx, hash)
	}

	return len(removed)
}

// Clear drops every in-memory entry. Persisted data is left untouched.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		c.removeLocked(e)
	}
}

// Len returns the number of entries held by the client.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Client) has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hash]
	return ok
}

func (c *Client) newEntryLocked(key Key, hash string) *entry {
	c.nextID++
	e := &entry{
		id:   c.nextID,
		key:  append(Key(nil), key...),
		hash: hash,
	}
	c.entries[hash] = e
	c.metrics.entries.Set(float64(len(c.entries)))
	return e
}

func (c *Client) removeLocked(e *entry) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	if c.entries[e.hash] == e {
		delete(c.entries, e.hash)
		c.metrics.entries.Set(float64(len(c.entries)))
	}
}

func (c *Client) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.observers--
	if e.observers <= 0 {
		e.observers = 0
		c.scheduleGCLocked(e)
	}
}

func (c *Client) scheduleGCLocked(e *entry) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	e.gcTimer = time.AfterFunc(e.opts.gcTime, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if e.observers == 0 {
			c.removeLocked(e)
		}
	})
}

// fetch starts or joins the entry's flight and returns a channel closed once it settles.
func (c *Client) fetch(ctx context.Context, e *entry) <-chan struct{} {
	ch := c.flight(ctx, e)
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	return done
}

func (c *Client) flight(ctx context.Context, e *entry) <-chan singleflight.Result {
	ctx = context.WithoutCancel(ctx)
	return c.group.DoChan(e.flightKey(), func() (any, error) {
		return c.run(ctx, e)
	})
}

// run executes the entry's fetch function with retries and settles the entry.
// A fetch overtaken by InvalidateQueries on an observed entry is run again
// before the flight completes.
func (c *Client) run(ctx context.Context, e *entry) (any, error) {
	start := time.Now()

	var (
		data any
		err  error
	)
	for {
		c.mu.Lock()
		e.fetchStatus = FetchStatusFetching
		e.failureCount = 0
		fn, opts, gen := e.fn, e.opts, e.gen
		c.mu.Unlock()

		data, err = c.attempt(ctx, e, fn, opts)
		if !c.settle(ctx, e, data, err, gen) {
			break
		}
		c.logger.DebugContext(ctx, "query invalidated while fetching, refetching", "key", e.hash)
	}

	c.metrics.recordFetch(err, time.Since(start).Seconds())

	return data, err
}

func (c *Client) attempt(ctx context.Context, e *entry, fn func(context.Context) (any, error), opts resolved) (any, error) {
	for failures := 0; ; {
		data, err := call(ctx, fn)
		if err == nil {
			return data, nil
		}

		failures++
		c.mu.Lock()
		e.failureCount = failures
		c.mu.Unlock()

		if failures > opts.retry || errors.Is(err, ErrMissingFetchFunc) {
			return data, err
		}

		delay := opts.retryDelay(failures, err)
		c.logger.DebugContext(ctx, "query fetch failed, retrying",
			"key", e.hash,
			"attempt", failures,
			"delay", delay,
			"error", err)
		c.metrics.retries.Inc()

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return data, errors.Join(err, ctx.Err())
		}
	}
}

func call(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	if fn == nil {
		return nil, ErrMissingFetchFunc
	}

	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn(ctx)
}

// settle stores the outcome of a fetch started at generation gen. It
// reports whether the fetch must run again because the entry was
// invalidated meanwhile and is still observed.
func (c *Client) settle(ctx context.Context, e *entry, data any, err error, gen uint64) bool {
	now := c.now()

	c.mu.Lock()
	attached := c.entries[e.hash] == e
	overtaken := e.gen != gen
	if err == nil && overtaken && attached && e.observers > 0 && e.opts.enabled && ctx.Err() == nil {
		c.mu.Unlock()
		return true
	}

	e.fetchStatus = FetchStatusIdle
	if err != nil {
		// previous data is kept next to the error
		e.err = err
		e.errorUpdatedAt = now
		e.status = StatusError
	} else {
		e.setData(data, now)
		e.failureCount = 0
		e.invalidated = overtaken
	}
	gcTime := e.opts.gcTime
	c.mu.Unlock()

	if err != nil {
		c.logger.DebugContext(ctx, "query fetch failed", "key", e.hash, "error", err)
		return false
	}

	c.logger.DebugContext(ctx, "query fetch succeeded", "key", e.hash)
	if !attached {
		return false
	}

	c.persist(ctx, e.hash, data, now, gcTime)

	// RemoveQueries may have deleted the stored copy while it was written
	if !c.attached(e) {
		c.forget(ctx, e.hash)
	}
	return false
}

func (c *Client) attached(e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[e.hash] == e
}

func (c *Client) forget(ctx context.Context, hash string) {
	if c.c.Store == nil {
		return
	}
	if err := c.c.Store.Delete(ctx, storeKeyPrefix+hash); err != nil {
		c.logger.WarnContext(ctx, "error deleting persisted query", "key", hash, "error", err)
	}
}

func (c *Client) persist(ctx context.Context, hash string, data any, at time.Time, gcTime time.Duration) {
	if c.c.Store == nil {
		return
	}

	b, err := json.Marshal(data)
	if err != nil {
		c.logger.WarnContext(ctx, "error encoding query data", "key", hash, "error", err)
		return
	}

	if err := c.c.Store.Set(ctx, storeKeyPrefix+hash, &caches.Item{
		Value:      b,
		UpdatedAt:  at,
		Expiration: at.Add(gcTime),
	}); err != nil {
		c.logger.WarnContext(ctx, "error persisting query data", "key", hash, "error", err)
	}
}

func hydrate[T any](ctx context.Context, c *Client, hash string) (*T, time.Time) {
	k := storeKeyPrefix + hash

	item, err := c.c.Store.Get(ctx, k)
	switch {
	case errors.Is(err, caches.ErrItemExpired):
		if err := c.c.Store.Delete(ctx, k); err != nil {
			c.logger.WarnContext(ctx, "error deleting expired query", "key", hash, "error", err)
		}
		return nil, time.Time{}
	case errors.Is(err, caches.ErrNoCacheItem):
		return nil, time.Time{}
	case err != nil:
		c.logger.WarnContext(ctx, "error reading persisted query", "key", hash, "error", err)
		return nil, time.Time{}
	}

	var v T
	if err := json.Unmarshal(item.Value, &v); err != nil {
		c.logger.WarnContext(ctx, "error decoding persisted query", "key", hash, "error", err)
		return nil, time.Time{}
	}

	c.logger.DebugContext(ctx, "query hydrated from store", "key", hash)
	return &v, item.UpdatedAt
}
