// Package local provides an in-memory caches.Store.
package local

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dgduncan/go-fetch-data/caches"
)

// Config configures a BasicCache.
type Config struct {
	// MaxEntries bounds the number of stored items. The least recently used
	// item is evicted once the bound is exceeded. Zero means unbounded.
	MaxEntries int
}

// BasicCache is a concurrent-safe in-memory caches.Store.
type BasicCache struct {
	lock sync.Mutex

	cache map[string]*list.Element
	ll    *list.List // front is most recently used

	maxEntries int
	now        func() time.Time
}

type entry struct {
	key  string
	item caches.Item
}

func (bc *BasicCache) Get(_ context.Context, key string) (*caches.Item, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	ele, found := bc.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}
	bc.ll.MoveToFront(ele)

	item := ele.Value.(*entry).item
	if !bc.now().Before(item.Expiration) {
		return &item, caches.ErrItemExpired
	}

	return &item, nil
}

func (bc *BasicCache) Set(_ context.Context, key string, item *caches.Item) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	if ele, found := bc.cache[key]; found {
		ele.Value.(*entry).item = *item
		bc.ll.MoveToFront(ele)
		return nil
	}

	bc.cache[key] = bc.ll.PushFront(&entry{key: key, item: *item})
	for bc.maxEntries > 0 && bc.ll.Len() > bc.maxEntries {
		bc.removeElement(bc.ll.Back())
	}

	return nil
}

func (bc *BasicCache) Update(_ context.Context, key string, expiration time.Time) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	ele, found := bc.cache[key]
	if !found {
		return caches.ErrNoCacheItem
	}

	e := ele.Value.(*entry)
	e.item.Expiration = expiration
	e.item.UpdatedAt = bc.now()
	bc.ll.MoveToFront(ele)

	return nil
}

func (bc *BasicCache) Delete(_ context.Context, key string) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	if ele, found := bc.cache[key]; found {
		bc.removeElement(ele)
	}

	return nil
}

// Len returns the number of stored items, expired ones included.
func (bc *BasicCache) Len() int {
	bc.lock.Lock()
	defer bc.lock.Unlock()
	return bc.ll.Len()
}

func (bc *BasicCache) removeElement(ele *list.Element) {
	bc.ll.Remove(ele)
	delete(bc.cache, ele.Value.(*entry).key)
}

// NewBasicCache returns an unbounded BasicCache using time.Now.
func NewBasicCache() *BasicCache {
	return New(nil, nil)
}

// NewBasicCacheWithTimeFunc returns an unbounded BasicCache using now as its clock.
func NewBasicCacheWithTimeFunc(now func() time.Time) *BasicCache {
	return New(nil, now)
}

// New returns a BasicCache. A nil opts means unbounded and a nil now means time.Now.
func New(opts *Config, now func() time.Time) *BasicCache {
	if now == nil {
		now = time.Now
	}

	var maxEntries int
	if opts != nil && opts.MaxEntries > 0 {
		maxEntries = opts.MaxEntries
	}

	return &BasicCache{
		cache:      make(map[string]*list.Element),
		ll:         list.New(),
		maxEntries: maxEntries,
		now:        now,
	}
}
