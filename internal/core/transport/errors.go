package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed exchange with the backend.
type ErrorKind string

const (
	KindUnauthorized      ErrorKind = "unauthorized"
	KindTimeout           ErrorKind = "timeout"
	KindConnectionFailed  ErrorKind = "connection_failed"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnexpected        ErrorKind = "unexpected"
)

// APIError is the typed failure of a single backend request.
type APIError struct {
	Kind     ErrorKind
	Endpoint string
	// Status and Body are set when the backend answered with an HTTP response.
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("api: %s: %s (status %d): %s", e.Endpoint, e.Kind, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("api: %s: %s (status %d)", e.Endpoint, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("api: %s: %s: %v", e.Endpoint, e.Kind, e.Err)
	default:
		return fmt.Sprintf("api: %s: %s", e.Endpoint, e.Kind)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// ErrorKind reports the classification of the failure.
func (e *APIError) ErrorKind() ErrorKind { return e.Kind }

// kinded is implemented by every typed error in the client stack.
type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf extracts the ErrorKind carried anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind(), true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// classify maps a failure to obtain or read a response onto the taxonomy.
// Anything that is not a deadline is a connection failure: DNS, refused, reset, TLS.
func classify(endpoint string, err error) *APIError {
	kind := KindConnectionFailed
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	}
	return &APIError{Kind: kind, Endpoint: endpoint, Err: err}
}
