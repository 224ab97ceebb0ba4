package xen

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorUnwrapsErrno(t *testing.T) {
	err := NewError("xc_domain_pause", syscall.EBUSY)
	assert.True(t, errors.Is(err, syscall.EBUSY))

	var xe *Error
	assert.True(t, errors.As(err, &xe))
	assert.Equal(t, "xc_domain_pause", xe.Op)
	assert.Contains(t, err.Error(), "xc_domain_pause failed")

	assert.Nil(t, NewError("noop", nil))

	plain := NewError("op", errors.New("boom"))
	assert.False(t, errors.As(plain, &xe))
	assert.Contains(t, plain.Error(), "boom")
}

func TestMonitorEnableError(t *testing.T) {
	busy := MonitorEnableError(NewError("xc_monitor_enable", syscall.EBUSY))
	assert.Contains(t, busy.Error(), "already connected")
	assert.True(t, errors.Is(busy, syscall.EBUSY))

	nodev := MonitorEnableError(NewError("xc_monitor_enable", syscall.ENODEV))
	assert.Contains(t, nodev.Error(), "EPT")

	other := MonitorEnableError(syscall.EPERM)
	assert.Contains(t, other.Error(), "error enabling monitoring")
}

func TestAccessFor(t *testing.T) {
	assert.Equal(t, AccessN, AccessFor(false, false, false))
	assert.Equal(t, AccessRW, AccessFor(true, true, false))
	assert.Equal(t, AccessRX, AccessFor(true, false, true))
	assert.Equal(t, AccessRWX, AccessFor(true, true, true))
	assert.Equal(t, "r-x", AccessRX.String())
	assert.Equal(t, "default", AccessDefault.String())
}
