package types

import (
	"github.com/juju/errors"
)

var (
	_ error = &IntegrityError{}
	_ error = &LockViolation{}
)

// NewIntegrityError marks a structural problem of a graph or a persisted
// snapshot: a second root, a cycle, a duplicated task id or unparseable text.
func NewIntegrityError(otherErr error) error {
	return &IntegrityError{baseError: newBaseErr(otherErr)}
}

func NewIntegrityErrorf(format string, args ...interface{}) error {
	return NewIntegrityError(errors.NotValidf(format, args...))
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// NewLockViolation builds the value panicked with when the lock discipline is broken.
func NewLockViolation(runID int64, format string, args ...interface{}) *LockViolation {
	return &LockViolation{baseError: newBaseErr(errors.Errorf(format, args...)), RunID: runID}
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

type IntegrityError struct {
	*baseError
}

type LockViolation struct {
	*baseError
	RunID int64
}
