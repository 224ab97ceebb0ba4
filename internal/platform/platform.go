// Package platform wraps the handful of OS primitives the introspection core
// needs: page-sized shared mappings, poll-with-timeout over descriptors and a
// pollable wake-up descriptor.
package platform

import "errors"

const (
	// PageShift is the guest and host page shift used by the vm_event ABI.
	PageShift = 12
	// PageSize is 1 << PageShift.
	PageSize = 1 << PageShift
)

// Poll event bits, matching the POSIX values.
const (
	PollIn  int16 = 0x1
	PollErr int16 = 0x8
	PollHup int16 = 0x10
)

var (
	// ErrUnsupported is returned on platforms without the required primitives.
	ErrUnsupported = errors.New("platform: not supported on this operating system")

	// ErrInterrupted is returned by Poll when the wait was interrupted by a signal.
	ErrInterrupted = errors.New("platform: poll interrupted")
)

// PollFd describes one descriptor to wait on.
type PollFd struct {
	Fd      int
	Events  int16
	Revents int16
}

// Ready reports whether any of the requested events fired.
func (p PollFd) Ready() bool {
	return p.Revents&(PollIn|PollErr|PollHup) != 0
}

// Notifier is a pollable descriptor another party can signal.
type Notifier struct {
	rfd int
	wfd int
}

// Fd returns the descriptor that becomes readable after Signal.
func (n *Notifier) Fd() int {
	if n == nil {
		return -1
	}
	return n.rfd
}
