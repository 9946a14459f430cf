package pipe

import (
	"errors"
	"fmt"
)

// Common errors returned by pipe operations
var (
	// ErrNotConnected indicates the endpoint has no active connection
	ErrNotConnected = errors.New("pipe: not connected")

	// ErrTimeout indicates an operation exceeded its timeout
	ErrTimeout = errors.New("pipe: timeout")

	// ErrUnsupported indicates message-mode pipes are unavailable on this platform
	ErrUnsupported = errors.New("pipe: message-mode pipes unsupported on this platform")
)

// OpError represents a failed I/O call on a pipe endpoint. It carries the
// name of the originating call and the underlying OS error.
type OpError struct {
	// Call is the I/O call that failed (connect, read, write, ...)
	Call string
	// Name is the pipe name involved
	Name string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("pipe %s %q: %v", e.Call, e.Name, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// WriteCountError indicates a write was accepted only partially. A short
// write is a protocol error distinct from a timeout: the peer may have
// observed a truncated message.
type WriteCountError struct {
	// Expected is the number of bytes handed to the write
	Expected int
	// Written is the number of bytes the operation accepted
	Written int
}

// Error returns a formatted error message
func (e *WriteCountError) Error() string {
	return fmt.Sprintf("pipe: should have written %d bytes, wrote %d", e.Expected, e.Written)
}
