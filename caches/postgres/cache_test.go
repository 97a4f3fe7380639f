//go:build !integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dgduncan/go-fetch-data/caches"
)

func TestNewNilDatabase(t *testing.T) {
	c, err := New(context.Background(), nil, &Config{DeleteExpiredItems: true})

	assert.Nil(t, c)
	assert.ErrorIs(t, err, caches.ErrValidation)
}
