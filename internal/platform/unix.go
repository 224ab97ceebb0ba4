//go:build unix

package platform

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// MapPage returns an anonymous, shared, page-aligned mapping of one page.
func MapPage() ([]byte, error) {
	page, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap ring page: %w", err)
	}
	return page, nil
}

// UnmapPage releases a mapping obtained from MapPage.
func UnmapPage(page []byte) error {
	if page == nil {
		return nil
	}
	if err := unix.Munmap(page); err != nil {
		return fmt.Errorf("munmap ring page: %w", err)
	}
	return nil
}

// Poll waits up to timeout for any descriptor to become ready. A negative
// descriptor is ignored by the kernel, which lets callers keep a fixed slot
// layout when a collaborator is absent.
func Poll(fds []PollFd, timeout time.Duration) (int, error) {
	raw := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		raw[i] = unix.PollFd{Fd: int32(fd.Fd), Events: fd.Events}
	}

	n, err := unix.Poll(raw, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrInterrupted
		}
		return 0, fmt.Errorf("poll: %w", err)
	}

	for i := range fds {
		fds[i].Revents = raw[i].Revents
	}
	return n, nil
}

// Signal makes the notifier descriptor readable.
func (n *Notifier) Signal() error {
	if n == nil {
		return errors.New("platform: nil notifier")
	}
	return signalFd(n.wfd)
}

// Drain consumes all pending signals and reports whether there were any.
func (n *Notifier) Drain() (bool, error) {
	if n == nil {
		return false, nil
	}
	return drainFd(n.rfd)
}

// Close releases the notifier descriptors.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	var firstErr error
	if n.wfd >= 0 && n.wfd != n.rfd {
		if err := unix.Close(n.wfd); err != nil {
			firstErr = err
		}
	}
	if n.rfd >= 0 {
		if err := unix.Close(n.rfd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.rfd, n.wfd = -1, -1
	return firstErr
}
