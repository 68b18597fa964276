package opensearch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies store failures so callers can decide between retrying,
// surfacing a rule bug, or treating the store as down.
type ErrorKind string

const (
	// KindTransport covers network-level failures: dial, TLS, reset, EOF.
	KindTransport ErrorKind = "transport"
	// KindStatus covers non-2xx responses other than 400 and 404.
	KindStatus ErrorKind = "status"
	// KindNotFound is a 404, typically a missing index.
	KindNotFound ErrorKind = "not_found"
	// KindRejected is a 400, the store refusing the request body.
	KindRejected ErrorKind = "rejected"
	// KindDecode means the response body could not be parsed.
	KindDecode ErrorKind = "decode"
)

// StoreError is the error type returned by every Client operation.
type StoreError struct {
	Kind       ErrorKind
	Op         string
	Index      string
	StatusCode int
	Reason     string
	Err        error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("store %s", e.Op)
	if e.Index != "" {
		msg += fmt.Sprintf(" [%s]", e.Index)
	}
	msg += fmt.Sprintf(": %s", e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying: transport errors
// and server-side statuses. Client-side rejections and decode failures are
// permanent.
func (e *StoreError) Retryable() bool {
	switch e.Kind {
	case KindTransport:
		return true
	case KindStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}

func newStoreError(kind ErrorKind, op, index string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Index: index, Err: err}
}

// AsStoreError unwraps err into a *StoreError if one is in the chain.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a store 404.
func IsNotFound(err error) bool {
	se, ok := AsStoreError(err)
	return ok && se.Kind == KindNotFound
}

// IsRejected reports whether the store refused the request as malformed.
func IsRejected(err error) bool {
	se, ok := AsStoreError(err)
	return ok && se.Kind == KindRejected
}
