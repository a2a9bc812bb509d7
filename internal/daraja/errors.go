package daraja

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the gateway has no record of the
	// checkout request id.
	ErrNotFound = errors.New("transaction not found")

	// ErrMalformedCallback is returned when a callback payload cannot be
	// parsed into a result envelope.
	ErrMalformedCallback = errors.New("malformed callback payload")
)

// AuthError wraps a failed access token fetch. The failure is not cached;
// the next call retries.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("access token fetch failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError reports invalid input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NetworkError wraps a transport failure or timeout talking to the gateway.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError carries an explicit decline from the gateway, surfaced
// verbatim with the gateway's code and description.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request: %s (%s)", e.Description, e.Code)
}
