package xfermgr

import (
	"errors"
	"fmt"

	"github.com/axondata/go-xfermgr/protocol"
)

// Common errors returned by control-channel operations
var (
	// ErrVersionMismatch indicates the worker speaks a different protocol
	// version
	ErrVersionMismatch = errors.New("xfermgr: protocol version mismatch")

	// ErrClosed indicates the client has been closed
	ErrClosed = errors.New("xfermgr: client closed")
)

// CommandError represents a command the worker answered with a typed
// failure
type CommandError struct {
	// Command is the command that failed
	Command protocol.CommandKind
	// Failure is the worker's typed failure payload
	Failure *protocol.Failure
}

// Error returns a formatted error message
func (e *CommandError) Error() string {
	return fmt.Sprintf("xfermgr %s: %v", e.Command, e.Failure)
}

// Unwrap returns the failure for error chain inspection
func (e *CommandError) Unwrap() error {
	return e.Failure
}

// ProtocolError represents a malformed exchange on the command channel
type ProtocolError struct {
	// Detail describes what was malformed
	Detail string
}

// Error returns a formatted error message
func (e *ProtocolError) Error() string {
	return "xfermgr: protocol error: " + e.Detail
}
