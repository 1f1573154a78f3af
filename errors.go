package mctr

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongState is returned when an operation is attempted in a state
	// that does not permit it.
	ErrWrongState = errors.New("wrong state")
	// ErrNotConnected is returned when an operation requires an initialized session.
	ErrNotConnected = fmt.Errorf("%w: executor is not initialized, call Init first", ErrWrongState)
	// ErrAlreadyConnected is returned when Init is called on an initialized session.
	ErrAlreadyConnected = fmt.Errorf("%w: executor is already initialized", ErrWrongState)
	// ErrIllegalArgument is returned when an argument fails local validation.
	ErrIllegalArgument = errors.New("illegal argument")
	// ErrBridgeLoad is returned when the controller bridge cannot be initialized.
	ErrBridgeLoad = errors.New("controller bridge unavailable")
	// ErrStartSession is returned when the controller refuses to start a session.
	ErrStartSession = errors.New("start session failed")
)

// WrongStateError reports an operation attempted outside its permitted states.
// It matches ErrWrongState.
type WrongStateError struct {
	Actual   State
	Expected StateSet
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("method cannot be called in this state: current state %s, expected state(s): %s",
		e.Actual, e.Expected)
}

// Is reports whether target is ErrWrongState.
func (e *WrongStateError) Is(target error) bool {
	return target == ErrWrongState
}

// CheckState returns a *WrongStateError unless actual is one of allowed.
func CheckState(actual State, allowed ...State) error {
	if StateSet(allowed).Contains(actual) {
		return nil
	}
	return &WrongStateError{Actual: actual, Expected: StateSet(allowed)}
}

// StartSessionError carries the code the controller returned from start session.
// It matches ErrStartSession.
type StartSessionError struct {
	Code int
}

func (e *StartSessionError) Error() string {
	return fmt.Sprintf("start session failed, error code: %d", e.Code)
}

// Is reports whether target is ErrStartSession.
func (e *StartSessionError) Is(target error) bool {
	return target == ErrStartSession
}

// RemoteError is an error reported asynchronously by the controller.
type RemoteError struct {
	Severity int
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("controller error (severity %d): %s", e.Severity, e.Message)
}
