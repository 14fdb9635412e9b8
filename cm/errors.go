// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cm

import "fmt"

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = cm.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

const (
	// ErrMarketBusy is the universal back-pressure signal. Any entry point
	// may return it when a capacity bound (storage buffers, position maps,
	// mid-call locks) has been reached.
	ErrMarketBusy = ErrorKind("cycles-market-is-busy")

	// ErrMidCall is returned when the caller already holds a mid-call
	// balance lock for the operation's balance.
	ErrMidCall = ErrorKind("caller-is-in-the-middle-of-a-different-call")
)

// CallError carries a cross-actor call failure: the platform reject code and
// the collaborator's message.
type CallError struct {
	Code    uint32
	Message string
}

// Error satisfies the error interface.
func (e CallError) Error() string {
	return fmt.Sprintf("call error (%d): %s", e.Code, e.Message)
}
