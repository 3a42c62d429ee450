package scanerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrDispatchSkip marks a host that was not scanned. Skips are counted, not reported as errors.
var ErrDispatchSkip = errors.New("dispatch skipped")

// ConnectionError host unreachable or authentication refused
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionTimeout a remote command ran past its deadline
type ExecutionTimeout struct {
	Command string
	Timeout time.Duration
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("command %q exceeded %s", e.Command, e.Timeout)
}

// ParseError command output could not be turned into key/value pairs
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse output: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError a response could not be written; the response stays unprocessed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchSkip explains why a host was left out of a run.
type DispatchSkip struct {
	HostID int64
	Reason string
}

func (e *DispatchSkip) Error() string {
	return fmt.Sprintf("host %d skipped: %s", e.HostID, e.Reason)
}

func (e *DispatchSkip) Is(target error) bool { return target == ErrDispatchSkip }

// Skip helper
func Skip(hostID int64, reason string) error {
	return &DispatchSkip{HostID: hostID, Reason: reason}
}
