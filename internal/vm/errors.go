package vm

import (
	"errors"
	"fmt"
)

// NotFoundError reports that a machine does not exist, or is hidden by the
// do-not-inventory policy and the caller did not opt in.
type NotFoundError struct {
	UUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("machine %s: not found", e.UUID)
}

// NotRunningError reports a mutation that requires a running machine.
type NotRunningError struct {
	UUID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("machine %s: not running", e.UUID)
}

// NotImplementedError marks an operation a backend deliberately leaves as a
// stub.
type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s: not implemented", e.Op)
}

// ValidationError reports a malformed canonical or native descriptor. A
// translator never returns a partial result alongside one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid descriptor field %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// IsNotRunning reports whether err wraps a NotRunningError.
func IsNotRunning(err error) bool {
	var notRunning *NotRunningError
	return errors.As(err, &notRunning)
}

// IsNotImplemented reports whether err wraps a NotImplementedError.
func IsNotImplemented(err error) bool {
	var notImplemented *NotImplementedError
	return errors.As(err, &notImplemented)
}
