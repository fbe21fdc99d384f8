package session

import (
	"errors"
	"fmt"

	logx "vssbench/pkg/logx"
)

var (
	ErrDuplicateSession     = errors.New("session already exists and is running")
	ErrSessionNotFound      = errors.New("session does not exist")
	ErrSessionAlreadyClosed = errors.New("session is already closed")
	ErrSessionClosed        = errors.New("session is not running")
	ErrChannelBroken        = errors.New("session channel is broken")
	ErrCreationWaitFailed   = errors.New("failed to wait for session creation")
	ErrCleanInProgress      = errors.New("a clean is already in progress")
	ErrCleanupTimeout       = errors.New("clean timed out")
	ErrOutputFailed         = errors.New("session failed to hand its output to the registry")
	ErrRegistryClosed       = errors.New("registry closed")
)

// SessionError ties a registry failure to the operation and id that caused it.
type SessionError struct {
	Op  string
	ID  ID
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %d: %s: %v", e.ID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func newErr(op string, id ID, err error) error { return &SessionError{Op: op, ID: id, Err: err} }

// CleanupTimeoutError is delivered on the clean channel when the timeout
// elapsed before the registry drained.
type CleanupTimeoutError struct {
	Remaining int
}

func (e *CleanupTimeoutError) Error() string {
	return fmt.Sprintf("failed to wait for all sessions to complete, remaining: %d", e.Remaining)
}

func (e *CleanupTimeoutError) Is(target error) bool { return target == ErrCleanupTimeout }

// ErrorHandler receives faults found on the completion path, where no caller
// is waiting for a result.
type ErrorHandler func(err error)

// PanicOnError aborts on the first fault.
func PanicOnError(err error) { panic(err) }

// IgnoreErrors drops every fault.
func IgnoreErrors(error) {}

// LogErrors logs every fault at error level and keeps going.
func LogErrors(log logx.Logger) ErrorHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(err error) {
		log.Error("registry fault", logx.Err(err))
	}
}

// HandlerByName maps a config value (abort|log|ignore) to a handler.
func HandlerByName(name string, log logx.Logger) (ErrorHandler, error) {
	switch name {
	case "", "log":
		return LogErrors(log), nil
	case "abort", "panic":
		return PanicOnError, nil
	case "ignore":
		return IgnoreErrors, nil
	default:
		return nil, fmt.Errorf("unknown registry error policy %q", name)
	}
}
