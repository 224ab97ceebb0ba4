//go:build windows

package platform

import "time"

// MapPage is not available on Windows.
func MapPage() ([]byte, error) { return nil, ErrUnsupported }

// UnmapPage is not available on Windows.
func UnmapPage([]byte) error { return ErrUnsupported }

// Poll is not available on Windows.
func Poll([]PollFd, time.Duration) (int, error) { return 0, ErrUnsupported }

// NewNotifier is not available on Windows.
func NewNotifier() (*Notifier, error) { return nil, ErrUnsupported }

func (n *Notifier) Signal() error { return ErrUnsupported }
func (n *Notifier) Drain() (bool, error) { return false, ErrUnsupported }
func (n *Notifier) Close() error { return nil }
