package query

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgduncan/go-fetch-data/caches"
)

const (
	defaultGCTime        = 5 * time.Minute
	defaultRetry         = 3
	defaultMaxRetryDelay = 30 * time.Second
)

// StaleNever keeps fetched data fresh forever.
const StaleNever = time.Duration(math.MaxInt64)

// FetchFunc loads the data of a query.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options describes a single query registration.
//
// Nil pointers and a nil RetryDelay inherit the Client's Config.
type Options[T any] struct {
	Key Key
	Fn  FetchFunc[T]

	// Enabled set to false registers the query without ever fetching it automatically.
	Enabled *bool

	// StaleTime is how long fetched data counts as fresh.
	StaleTime *time.Duration

	// GCTime is how long an entry without observers is kept. Zero collects
	// it as soon as its last State is closed.
	GCTime *time.Duration

	// Retry is the number of retries after a failed fetch.
	Retry *int

	RetryDelay func(failureCount int, err error) time.Duration

	// InitialData seeds an entry that has no data yet.
	InitialData *T
}

// Config configures a Client.
type Config struct {
	StaleTime  time.Duration
	GCTime     time.Duration
	Retry      int
	RetryDelay func(failureCount int, err error) time.Duration

	// Store, when set, persists successful query data and hydrates new
	// entries from it.
	Store caches.Store

	// Registerer receives the client metrics. Nil registers nothing.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		GCTime:     defaultGCTime,
		Retry:      defaultRetry,
		RetryDelay: DefaultRetryDelay,
	}
}

// DefaultRetryDelay doubles from one second per failure, capped at thirty seconds.
func DefaultRetryDelay(failureCount int, _ error) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	if failureCount > 6 {
		return defaultMaxRetryDelay
	}

	return min(time.Second<<(failureCount-1), defaultMaxRetryDelay)
}

// Ptr returns a pointer to v, for the pointer fields of Options.
func Ptr[T any](v T) *T {
	return &v
}

type resolved struct {
	enabled    bool
	staleTime  time.Duration
	gcTime     time.Duration
	retry      int
	retryDelay func(int, error) time.Duration
}

func resolve[T any](cfg Config, opts Options[T]) resolved {
	r := resolved{
		enabled:    true,
		staleTime:  cfg.StaleTime,
		gcTime:     cfg.GCTime,
		retry:      cfg.Retry,
		retryDelay: cfg.RetryDelay,
	}

	if opts.Enabled != nil {
		r.enabled = *opts.Enabled
	}
	if opts.StaleTime != nil {
		r.staleTime = *opts.StaleTime
	}
	if opts.GCTime != nil {
		r.gcTime = *opts.GCTime
	}
	if opts.Retry != nil {
		r.retry = *opts.Retry
	}
	if opts.RetryDelay != nil {
		r.retryDelay = opts.RetryDelay
	}
	if r.retryDelay == nil {
		r.retryDelay = DefaultRetryDelay
	}

	return r
}
