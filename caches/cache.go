package caches

import (
	"context"
	"net/http"
	"time"
)

var (
	// DefaultExpiredDuration the default expired duration
	DefaultExpiredDuration = 24 * time.Hour

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute
)

// Item is a single stored value. The HTTP response cache keeps a dumped
// response and its validators in it, the query persister keeps encoded
// query data.
type Item struct {
	Value        []byte
	ETag         string
	LastModified *time.Time
	UpdatedAt    time.Time
	Expiration   time.Time
}

// Store is implemented by every cache backend.
//
// Get returns ErrNoCacheItem when nothing is stored under k. When the item
// exists but its Expiration has passed, Get returns the item together with
// ErrItemExpired so callers can revalidate it.
type Store interface {
	Get(ctx context.Context, k string) (*Item, error)
	Set(ctx context.Context, k string, v *Item) error
	Update(ctx context.Context, k string, expiration time.Time) error
	Delete(ctx context.Context, k string) error
}

// Key returns the cache key used for an HTTP request.
func Key(r *http.Request) string {
	return r.Method + "#" + r.URL.String()
}
