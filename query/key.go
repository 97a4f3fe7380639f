package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Maximum length of an encoded key before it is hashed
const maxKeyLen = 100

// ErrInvalidKey is returned when a key is empty or cannot be encoded.
var ErrInvalidKey = errors.New("invalid query key")

// Key identifies a query. Two keys are the same query when their elements
// encode to the same JSON, so map element order does not matter.
type Key []any

// Hash returns the deterministic string form of k used to address cache entries.
func Hash(k Key) (string, error) {
	if len(k) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	data, err := json.Marshal([]any(k))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	if len(data) > maxKeyLen {
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}

	return string(data), nil
}

// hasPrefix reports whether k starts with the elements of prefix.
// An empty prefix matches every key.
func hasPrefix(k, prefix Key) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(prefix) > len(k) {
		return false
	}

	want, err := Hash(prefix)
	if err != nil {
		return false
	}
	got, err := Hash(k[:len(prefix)])
	if err != nil {
		return false
	}

	return got == want
}
