// Provides common lounge errors definitions.
package lounge_errors

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("lounge: not found")
	ErrRevisionNotFound = errors.New("lounge: revision not found")
	ErrConflict         = errors.New("lounge: revision conflict")
	ErrInvalidArgument  = errors.New("lounge: invalid argument")
	ErrDriver           = errors.New("lounge: storage driver failure")
	ErrNoSuchDriver     = errors.New("lounge: no such driver")
	ErrAlreadyExists    = errors.New("lounge: store already exists")
	ErrClosed           = errors.New("lounge: store is closed")
	ErrMalformed        = errors.New("lounge: malformed data")
)

// DriverError is an opaque backend failure. It matches ErrDriver under
// errors.Is and keeps the backend cause reachable through Unwrap.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("lounge: driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

func (e *DriverError) Is(target error) bool {
	return target == ErrDriver
}

// Driver wraps a backend error. Errors that already belong to the lounge
// taxonomy pass through untouched so a backend can report a conflict or a
// miss without it being reinterpreted, and so do context errors.
func Driver(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) || isContext(err) {
		return err
	}
	return &DriverError{Op: op, Err: perrors.WithStack(err)}
}

// Driverf is Driver with an extra annotation on the cause.
func Driverf(op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) || isContext(err) {
		return err
	}
	return &DriverError{Op: op, Err: perrors.Wrapf(err, format, args...)}
}

func IsTaxonomy(err error) bool {
	for _, known := range []error{
		ErrNotFound, ErrRevisionNotFound, ErrConflict, ErrInvalidArgument,
		ErrDriver, ErrNoSuchDriver, ErrAlreadyExists, ErrClosed, ErrMalformed,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

func isContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
