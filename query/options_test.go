package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, DefaultRetryDelay(0, nil))
	assert.Equal(t, time.Second, DefaultRetryDelay(1, nil))
	assert.Equal(t, 2*time.Second, DefaultRetryDelay(2, nil))
	assert.Equal(t, 16*time.Second, DefaultRetryDelay(5, nil))
	assert.Equal(t, 30*time.Second, DefaultRetryDelay(6, nil))
	assert.Equal(t, 30*time.Second, DefaultRetryDelay(50, nil))
}

func TestResolveInheritsConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StaleTime = time.Minute

	r := resolve(cfg, Options[int]{})
	assert.True(t, r.enabled)
	assert.Equal(t, time.Minute, r.staleTime)
	assert.Equal(t, defaultGCTime, r.gcTime)
	assert.Equal(t, defaultRetry, r.retry)

	r = resolve(cfg, Options[int]{
		Enabled:   Ptr(false),
		StaleTime: Ptr(time.Hour),
		GCTime:    Ptr(time.Second),
		Retry:     Ptr(0),
	})
	assert.False(t, r.enabled)
	assert.Equal(t, time.Hour, r.staleTime)
	assert.Equal(t, time.Second, r.gcTime)
	assert.Equal(t, 0, r.retry)
}

func TestResolveExplicitZeroOverridesConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StaleTime = time.Minute

	r := resolve(cfg, Options[int]{
		StaleTime: Ptr(time.Duration(0)),
		GCTime:    Ptr(time.Duration(0)),
	})
	assert.Equal(t, time.Duration(0), r.staleTime)
	assert.Equal(t, time.Duration(0), r.gcTime)
}
