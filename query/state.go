package query

import (
	"context"
	"sync"
	"time"
)

// Status describes whether a query has data.
type Status int

const (
	// StatusPending means no data and no error yet.
	StatusPending Status = iota
	StatusError
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// FetchStatus describes whether a fetch is running.
type FetchStatus int

const (
	FetchStatusIdle FetchStatus = iota
	FetchStatusFetching
)

func (s FetchStatus) String() string {
	if s == FetchStatusFetching {
		return "fetching"
	}
	return "idle"
}

// State is a live view of one query entry, returned by Use.
//
// Accessors always read the entry's current state, so a State obtained
// while loading reports data once the fetch settles. Close releases the
// State's hold on the entry.
type State[T any] struct {
	c   *Client
	e   *entry
	err error // set when the key could not be hashed

	wait      <-chan struct{}
	closeOnce sync.Once
}

// Key returns the key of the query.
func (s *State[T]) Key() Key {
	if s.e == nil {
		return nil
	}
	return s.e.key
}

// Data returns the query data. ok is false while no data of type T is held.
func (s *State[T]) Data() (data T, ok bool) {
	if s.e == nil {
		return data, false
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	if !s.e.hasData {
		return data, false
	}
	data, ok = s.e.data.(T)
	return data, ok
}

// Err returns the error of the last failed fetch, or nil once a fetch succeeds.
func (s *State[T]) Err() error {
	if s.e == nil {
		return s.err
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.err
}

func (s *State[T]) Status() Status {
	if s.e == nil {
		return StatusError
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.status
}

func (s *State[T]) FetchStatus() FetchStatus {
	if s.e == nil {
		return FetchStatusIdle
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.fetchStatus
}

func (s *State[T]) IsPending() bool { return s.Status() == StatusPending }
func (s *State[T]) IsSuccess() bool { return s.Status() == StatusSuccess }
func (s *State[T]) IsError() bool   { return s.Status() == StatusError }

// IsFetching reports whether a fetch is running, including a fetch started
// by Use that has not reached the fetch function yet.
func (s *State[T]) IsFetching() bool {
	if s.FetchStatus() == FetchStatusFetching {
		return true
	}
	if s.wait == nil {
		return false
	}

	select {
	case <-s.wait:
		return false
	default:
		return true
	}
}

// IsLoading reports a first fetch in progress: no data yet and fetching.
func (s *State[T]) IsLoading() bool {
	return s.IsPending() && s.IsFetching()
}

// IsStale reports whether the data is older than the query's stale time or
// was invalidated.
func (s *State[T]) IsStale() bool {
	if s.e == nil {
		return true
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.isStale(s.c.now())
}

func (s *State[T]) DataUpdatedAt() time.Time {
	if s.e == nil {
		return time.Time{}
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.dataUpdatedAt
}

func (s *State[T]) ErrorUpdatedAt() time.Time {
	if s.e == nil {
		return time.Time{}
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.errorUpdatedAt
}

// FailureCount is the number of failed attempts of the current or last fetch.
func (s *State[T]) FailureCount() int {
	if s.e == nil {
		return 0
	}

	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.e.failureCount
}

// Wait blocks until the fetch started by Use settles or ctx is done.
// It returns nil straight away when Use started no fetch. The outcome of
// the fetch is read through Data and Err.
func (s *State[T]) Wait(ctx context.Context) error {
	if s.wait == nil {
		return nil
	}

	select {
	case <-s.wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refetch fetches the query regardless of staleness, joining a fetch that
// is already running, and returns its outcome.
func (s *State[T]) Refetch(ctx context.Context) (T, error) {
	var zero T
	if s.e == nil {
		return zero, s.err
	}

	select {
	case res := <-s.c.flight(ctx, s.e):
		if res.Err != nil {
			return zero, res.Err
		}
		data, _ := res.Val.(T)
		return data, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close releases the entry. Once an entry has no open States it is
// garbage collected after its GC time. Close is idempotent.
func (s *State[T]) Close() {
	if s.e == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.c.release(s.e)
	})
}
