//go:build unix && !linux

package platform

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// NewNotifier creates a pipe-backed notifier.
func NewNotifier() (*Notifier, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	return &Notifier{rfd: p[0], wfd: p[1]}, nil
}

func signalFd(fd int) error {
	if _, err := unix.Write(fd, []byte{1}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("pipe write: %w", err)
	}
	return nil
}

func drainFd(fd int) (bool, error) {
	var (
		buf [64]byte
		got bool
	)
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			got = true
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return got, nil
			}
			return got, fmt.Errorf("pipe read: %w", err)
		}
		if n < len(buf) {
			return got, nil
		}
	}
}
