package query_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgduncan/go-fetch-data/caches/local"
	"github.com/dgduncan/go-fetch-data/query"
)

var errBoom = errors.New("boom")

func testConfig() *query.Config {
	return &query.Config{
		GCTime: time.Minute,
		RetryDelay: func(int, error) time.Duration {
			return time.Millisecond
		},
	}
}

func waitFor[T any](t *testing.T, s *query.State[T]) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestUseFetchesAndSettles(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := query.NewClient(testConfig(), nil, nil)

	s := query.Use(context.Background(), c, query.Options[int]{
		Key: query.Key{"answer"},
		Fn: func(context.Context) (int, error) {
			<-release
			return 42, nil
		},
	})

	assert.True(t, s.IsPending())
	assert.True(t, s.IsLoading())
	_, ok := s.Data()
	assert.False(t, ok)

	close(release)
	waitFor(t, s)

	data, ok := s.Data()
	require.True(t, ok)
	assert.Equal(t, 42, data)
	assert.NoError(t, s.Err())
	assert.Equal(t, query.StatusSuccess, s.Status())
	assert.False(t, s.IsLoading())
	assert.False(t, s.IsFetching())
	assert.False(t, s.DataUpdatedAt().IsZero())
}

func TestUseDeduplicatesConcurrentFetches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	c := query.NewClient(testConfig(), nil, nil)

	opts := query.Options[string]{
		Key: query.Key{"items", map[string]any{"page": 1}},
		Fn: func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "ok", nil
		},
	}

	const n = 10
	states := make([]*query.State[string], n)
	var wg sync.WaitGroup
	for i := range states {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i] = query.Use(context.Background(), c, opts)
		}(i)
	}
	wg.Wait()
	close(release)

	for _, s := range states {
		waitFor(t, s)
		data, ok := s.Data()
		require.True(t, ok)
		assert.Equal(t, "ok", data)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestUseRetriesFailedFetches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		retry         int
		failures      int32
		expectedCalls int32
		expectErr     bool
	}{
		{
			name:          "succeeds after retries",
			retry:         3,
			failures:      2,
			expectedCalls: 3,
		},
		{
			name:          "fails once retries are exhausted",
			retry:         1,
			failures:      5,
			expectedCalls: 2,
			expectErr:     true,
		},
		{
			name:          "no retry",
			retry:         0,
			failures:      1,
			expectedCalls: 1,
			expectErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			c := query.NewClient(testConfig(), nil, nil)

			s := query.Use(context.Background(), c, query.Options[int]{
				Key:   query.Key{"retry"},
				Retry: query.Ptr(tt.retry),
				Fn: func(context.Context) (int, error) {
					if calls.Add(1) <= tt.failures {
						return 0, errBoom
					}
					return 7, nil
				},
			})
			waitFor(t, s)

			assert.Equal(t, tt.expectedCalls, calls.Load())
			if tt.expectErr {
				assert.True(t, s.IsError())
				assert.ErrorIs(t, s.Err(), errBoom)
				assert.Equal(t, int(tt.expectedCalls), s.FailureCount())
				assert.False(t, s.ErrorUpdatedAt().IsZero())
				_, ok := s.Data()
				assert.False(t, ok)
				return
			}

			assert.True(t, s.IsSuccess())
			assert.Equal(t, 0, s.FailureCount())
			data, _ := s.Data()
			assert.Equal(t, 7, data)
		})
	}
}

func TestUseRecoversPanickingFetch(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)
	s := query.Use(context.Background(), c, query.Options[int]{
		Key: query.Key{"panic"},
		Fn: func(context.Context) (int, error) {
			panic("kaboom")
		},
	})
	waitFor(t, s)

	assert.ErrorIs(t, s.Err(), query.ErrPanic)
	assert.Contains(t, s.Err().Error(), "kaboom")
}

func TestStaleTimeControlsRefetch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	now := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	var calls atomic.Int32
	c := query.NewClient(testConfig(), clock, nil)
	opts := query.Options[int32]{
		Key:       query.Key{"stale"},
		StaleTime: query.Ptr(time.Minute),
		Fn: func(context.Context) (int32, error) {
			return calls.Add(1), nil
		},
	}

	s := query.Use(context.Background(), c, opts)
	waitFor(t, s)

	fresh := query.Use(context.Background(), c, opts)
	waitFor(t, fresh)
	assert.False(t, fresh.IsStale())
	assert.Equal(t, int32(1), calls.Load())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	stale := query.Use(context.Background(), c, opts)
	waitFor(t, stale)
	assert.Equal(t, int32(2), calls.Load())

	data, _ := s.Data()
	assert.Equal(t, int32(2), data)
}

func TestDisabledQueryNeverFetches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := query.NewClient(testConfig(), nil, nil)

	s := query.Use(context.Background(), c, query.Options[int]{
		Key:     query.Key{"disabled"},
		Enabled: query.Ptr(false),
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 1, nil
		},
	})
	waitFor(t, s)

	assert.True(t, s.IsPending())
	assert.False(t, s.IsLoading())
	assert.Equal(t, int32(0), calls.Load())

	// a manual refetch still runs
	data, err := s.Refetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInitialData(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)
	s := query.Use(context.Background(), c, query.Options[string]{
		Key:         query.Key{"initial"},
		InitialData: query.Ptr("seed"),
		StaleTime:   query.Ptr(query.StaleNever),
		Fn: func(context.Context) (string, error) {
			return "", errBoom
		},
	})

	assert.Nil(t, s.Wait(context.Background()))
	data, ok := s.Data()
	require.True(t, ok)
	assert.Equal(t, "seed", data)
	assert.True(t, s.IsSuccess())
}

func TestRefetchReturnsNewData(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := query.NewClient(testConfig(), nil, nil)
	s := query.Use(context.Background(), c, query.Options[int32]{
		Key:       query.Key{"refetch"},
		StaleTime: query.Ptr(query.StaleNever),
		Fn: func(context.Context) (int32, error) {
			return calls.Add(1), nil
		},
	})
	waitFor(t, s)

	data, err := s.Refetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), data)

	current, _ := s.Data()
	assert.Equal(t, int32(2), current)
}

func TestFailedRefetchKeepsData(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := query.NewClient(testConfig(), nil, nil)
	s := query.Use(context.Background(), c, query.Options[string]{
		Key: query.Key{"keep"},
		Fn: func(context.Context) (string, error) {
			if calls.Add(1) > 1 {
				return "", errBoom
			}
			return "first", nil
		},
	})
	waitFor(t, s)

	_, err := s.Refetch(context.Background())
	require.ErrorIs(t, err, errBoom)

	assert.True(t, s.IsError())
	data, ok := s.Data()
	require.True(t, ok)
	assert.Equal(t, "first", data)
}

func TestInvalidateQueriesByPrefix(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)
	counters := map[string]*atomic.Int32{}
	use := func(name string, key query.Key) *query.State[int32] {
		n := &atomic.Int32{}
		counters[name] = n
		s := query.Use(context.Background(), c, query.Options[int32]{
			Key:       key,
			StaleTime: query.Ptr(query.StaleNever),
			Fn: func(context.Context) (int32, error) {
				return n.Add(1), nil
			},
		})
		waitFor(t, s)
		return s
	}

	use("page1", query.Key{"items", 1})
	use("page2", query.Key{"items", 2})
	use("users", query.Key{"users"})

	assert.Equal(t, 2, c.InvalidateQueries(context.Background(), query.Key{"items"}))

	assert.Eventually(t, func() bool {
		return counters["page1"].Load() == 2 && counters["page2"].Load() == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), counters["users"].Load())
}

func TestInvalidateQueriesDuringFetchRefetches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := query.NewClient(testConfig(), nil, nil)

	s := query.Use(context.Background(), c, query.Options[int32]{
		Key:       query.Key{"items", "mid-flight"},
		StaleTime: query.Ptr(query.StaleNever),
		Fn: func(context.Context) (int32, error) {
			n := calls.Add(1)
			if n == 1 {
				close(started)
				<-release
			}
			return n, nil
		},
	})
	defer s.Close()

	<-started
	assert.Equal(t, 1, c.InvalidateQueries(context.Background(), query.Key{"items"}))
	close(release)
	waitFor(t, s)

	data, ok := s.Data()
	require.True(t, ok)
	assert.Equal(t, int32(2), data)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, s.IsStale())
}

func TestInvalidateQueriesDuringFetchWithoutObservers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := query.NewClient(testConfig(), nil, nil)

	s := query.Use(context.Background(), c, query.Options[int32]{
		Key:       query.Key{"unobserved"},
		StaleTime: query.Ptr(query.StaleNever),
		Fn: func(context.Context) (int32, error) {
			n := calls.Add(1)
			if n == 1 {
				close(started)
				<-release
			}
			return n, nil
		},
	})

	<-started
	s.Close()
	c.InvalidateQueries(context.Background(), query.Key{"unobserved"})
	close(release)
	waitFor(t, s)

	data, ok := s.Data()
	require.True(t, ok)
	assert.Equal(t, int32(1), data)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.IsStale())
}

func TestRemoveQueries(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)
	for _, k := range []query.Key{{"items", 1}, {"items", 2}, {"users"}} {
		require.NoError(t, query.SetQueryData(context.Background(), c, k, "v"))
	}

	assert.Equal(t, 2, c.RemoveQueries(context.Background(), query.Key{"items"}))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestRemoveQueriesDeletesPersistedData(t *testing.T) {
	t.Parallel()

	store := local.NewBasicCache()
	cfg := testConfig()
	cfg.Store = store
	c := query.NewClient(cfg, nil, nil)

	require.NoError(t, query.SetQueryData(context.Background(), c, query.Key{"items", 1}, "v"))
	require.NoError(t, query.SetQueryData(context.Background(), c, query.Key{"users"}, "v"))
	require.Equal(t, 2, store.Len())

	assert.Equal(t, 1, c.RemoveQueries(context.Background(), query.Key{"items"}))
	assert.Equal(t, 1, store.Len())

	s := query.Use(context.Background(), c, query.Options[string]{
		Key:     query.Key{"items", 1},
		Enabled: query.Ptr(false),
	})
	defer s.Close()
	_, ok := s.Data()
	assert.False(t, ok)
}

func TestRemoveQueriesDuringFetchIsNotPersisted(t *testing.T) {
	t.Parallel()

	store := local.NewBasicCache()
	cfg := testConfig()
	cfg.Store = store
	c := query.NewClient(cfg, nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	s := query.Use(context.Background(), c, query.Options[string]{
		Key: query.Key{"removed"},
		Fn: func(context.Context) (string, error) {
			close(started)
			<-release
			return "late", nil
		},
	})
	defer s.Close()

	<-started
	assert.Equal(t, 1, c.RemoveQueries(context.Background(), query.Key{"removed"}))
	close(release)
	waitFor(t, s)

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, c.Len())

	again := query.Use(context.Background(), c, query.Options[string]{
		Key:     query.Key{"removed"},
		Enabled: query.Ptr(false),
	})
	defer again.Close()
	_, ok := again.Data()
	assert.False(t, ok)
}

func TestEntryIsCollectedAfterClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GCTime = 10 * time.Millisecond
	c := query.NewClient(cfg, nil, nil)

	s := query.Use(context.Background(), c, query.Options[int]{
		Key: query.Key{"gc"},
		Fn: func(context.Context) (int, error) {
			return 1, nil
		},
	})
	waitFor(t, s)
	assert.Equal(t, 1, c.Len())

	s.Close()
	s.Close()

	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestObservedEntryIsKept(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GCTime = 10 * time.Millisecond
	c := query.NewClient(cfg, nil, nil)

	opts := query.Options[int]{
		Key: query.Key{"kept"},
		Fn: func(context.Context) (int, error) {
			return 1, nil
		},
	}
	first := query.Use(context.Background(), c, opts)
	second := query.Use(context.Background(), c, opts)
	waitFor(t, first)
	waitFor(t, second)

	first.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Len())

	second.Close()
	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestQueryDataAccessors(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)

	_, ok := query.GetQueryData[string](c, query.Key{"todo", 1})
	assert.False(t, ok)

	require.NoError(t, query.SetQueryData(context.Background(), c, query.Key{"todo", 1}, "write tests"))

	data, ok := query.GetQueryData[string](c, query.Key{"todo", 1})
	require.True(t, ok)
	assert.Equal(t, "write tests", data)

	_, ok = query.GetQueryData[int](c, query.Key{"todo", 1})
	assert.False(t, ok)

	assert.ErrorIs(t, query.SetQueryData(context.Background(), c, nil, "x"), query.ErrInvalidKey)
}

func TestUseRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	c := query.NewClient(testConfig(), nil, nil)

	for _, k := range []query.Key{nil, {func() {}}} {
		s := query.Use(context.Background(), c, query.Options[int]{
			Key: k,
			Fn: func(context.Context) (int, error) {
				return 1, nil
			},
		})

		assert.True(t, s.IsError())
		assert.ErrorIs(t, s.Err(), query.ErrInvalidKey)
		_, err := s.Refetch(context.Background())
		assert.ErrorIs(t, err, query.ErrInvalidKey)
		s.Close()
	}
	assert.Equal(t, 0, c.Len())
}

func TestUseHydratesFromStore(t *testing.T) {
	t.Parallel()

	store := local.NewBasicCache()
	cfg := testConfig()
	cfg.Store = store

	first := query.NewClient(cfg, nil, nil)
	s := query.Use(context.Background(), first, query.Options[[]string]{
		Key: query.Key{"persisted"},
		Fn: func(context.Context) ([]string, error) {
			return []string{"a", "b"}, nil
		},
	})
	waitFor(t, s)
	require.Equal(t, 1, store.Len())

	var calls atomic.Int32
	second := query.NewClient(cfg, nil, nil)
	hydrated := query.Use(context.Background(), second, query.Options[[]string]{
		Key:       query.Key{"persisted"},
		StaleTime: query.Ptr(query.StaleNever),
		Fn: func(context.Context) ([]string, error) {
			calls.Add(1)
			return nil, errBoom
		},
	})

	data, ok := hydrated.Data()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, data)
	assert.True(t, hydrated.IsSuccess())
	assert.Equal(t, int32(0), calls.Load())

	second.RemoveQueries(context.Background(), query.Key{"persisted"})
	assert.Equal(t, 0, store.Len())
}
