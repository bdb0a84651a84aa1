package transport

import (
	"errors"
	"fmt"
)

// ErrTimeout reports that a bounded wait elapsed before the operation
// completed. Timeouts are recoverable at the call site; a file transfer
// that times out is abandoned without ending the session.
var ErrTimeout = errors.New("transport: operation timed out")

// ErrAlreadyInUse reports a fixed-port bind conflict. It is only returned
// when port probing is disabled, so the caller choosing the bind policy can
// react to it.
var ErrAlreadyInUse = errors.New("transport: address already in use")

// ErrClosed reports an operation on a connection whose peer has closed its
// end and whose buffered data has been fully consumed.
var ErrClosed = errors.New("transport: connection closed")

// ConnectionError wraps a transport-level I/O failure: a failed read or
// write, a short write, or a malformed pipe handshake. Connection errors
// are surfaced to the session and never silently retried.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func connErr(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}
