package gofetchdata

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedStatus is wrapped by a TransportError whose response
	// status was rejected.
	ErrUnexpectedStatus = errors.New("unexpected response status")

	// ErrMalformedResponse is wrapped by a TransportError whose response
	// body could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidParams is wrapped by a TransportError whose query
	// parameters could not be encoded.
	ErrInvalidParams = errors.New("invalid query parameters")
)

// TransportError is returned for every failed GET: network failures,
// rejected statuses and undecodable bodies.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int // zero when no response was received
	Status     string
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 && errors.Is(e.Err, ErrUnexpectedStatus) {
		return fmt.Sprintf("%s %s: %s %s", e.Method, e.URL, ErrUnexpectedStatus, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
