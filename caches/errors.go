package caches

import (
	"errors"
	"fmt"
)

var (
	ErrItemExpired = errors.New("cache item expired")
	ErrNoCacheItem = errors.New("no value found in cache")

	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("cache validation failed")
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}
