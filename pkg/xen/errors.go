package xen

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a failed control call. It unwraps to the errno reported by the
// hypervisor so callers can match it with errors.Is.
type Error struct {
	Op    string
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Errno.Error())
}

func (e *Error) Unwrap() error { return e.Errno }

// NewError wraps err as an *Error for op. Errors that are not errnos are
// wrapped with context only.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// MonitorEnableError explains a failed EnableMonitor call.
func MonitorEnableError(err error) error {
	switch {
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("the domain is either already connected with a monitoring application, or such an application crashed after connecting to it: %w", err)
	case errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("EPT not supported for this guest: %w", err)
	default:
		return fmt.Errorf("error enabling monitoring: %w", err)
	}
}
