package policy

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
	"github.com/petrepircalabu/libbdvmi/pkg/xen/sim"
)

const dom xen.DomID = 7

func newState(t *testing.T) (*State, *sim.Hypervisor) {
	t.Helper()
	h := sim.New()
	h.AddDomain(dom, 2, true)
	return New(h, dom, nil), h
}

func TestEnableCRTwiceIssuesOneCall(t *testing.T) {
	s, h := newState(t)

	was, err := s.EnableCR(3)
	require.NoError(t, err)
	assert.False(t, was)

	was, err = s.EnableCR(3)
	require.NoError(t, err)
	assert.True(t, was)
	assert.Equal(t, 1, h.CallCount("MonitorWriteCtrlReg"))
	assert.True(t, s.CREnabled(3))

	was, err = s.DisableCR(3)
	require.NoError(t, err)
	assert.True(t, was)
	was, err = s.DisableCR(3)
	require.NoError(t, err)
	assert.False(t, was)
	assert.Equal(t, 2, h.CallCount("MonitorWriteCtrlReg"))
}

func TestEnableCRArguments(t *testing.T) {
	s, h := newState(t)
	_, err := s.EnableCR(4)
	require.NoError(t, err)

	calls := h.CallsFor("MonitorWriteCtrlReg")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{dom, vmevent.CtrlRegCR4, true, true, uint64(cr4PGE), true}, calls[0].Args)
}

func TestInvalidCRHasNoSideEffects(t *testing.T) {
	s, h := newState(t)
	for _, cr := range []int{1, 2, 8, -1} {
		_, err := s.EnableCR(cr)
		assert.ErrorIs(t, err, ErrInvalidCR)
		_, err = s.DisableCR(cr)
		assert.ErrorIs(t, err, ErrInvalidCR)
	}
	assert.Zero(t, h.CallCount("MonitorWriteCtrlReg"))
	assert.Empty(t, s.EnabledCRs())
}

func TestFailedMonitorCallLeavesStateUnchanged(t *testing.T) {
	s, h := newState(t)
	h.Fail("MonitorWriteCtrlReg", syscall.EPERM)

	_, err := s.EnableCR(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPERM))
	assert.False(t, s.CREnabled(0))

	h.Fail("MonitorWriteCtrlReg", nil)
	_, err = s.EnableCR(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.EnabledCRs())
}

func TestMSRIdempotence(t *testing.T) {
	s, h := newState(t)

	was, err := s.EnableMSR(0xc0000082)
	require.NoError(t, err)
	assert.False(t, was)
	was, err = s.EnableMSR(0xc0000082)
	require.NoError(t, err)
	assert.True(t, was)
	assert.Equal(t, 1, h.CallCount("MonitorMovToMsr"))

	h.Fail("MonitorMovToMsr", syscall.EINVAL)
	_, err = s.DisableMSR(0xc0000082)
	assert.Error(t, err)
	assert.True(t, s.MSREnabled(0xc0000082))

	h.Fail("MonitorMovToMsr", nil)
	was, err = s.DisableMSR(0xc0000082)
	require.NoError(t, err)
	assert.True(t, was)
	assert.False(t, s.MSREnabled(0xc0000082))
}

func TestDisableAll(t *testing.T) {
	s, h := newState(t)
	for _, cr := range []int{0, 3, 4} {
		_, err := s.EnableCR(cr)
		require.NoError(t, err)
	}
	_, err := s.EnableMSR(0x176)
	require.NoError(t, err)
	h.ResetCalls()

	require.NoError(t, s.DisableAll())
	assert.Empty(t, s.EnabledCRs())
	assert.False(t, s.MSREnabled(0x176))
	assert.Equal(t, 3, h.CallCount("MonitorWriteCtrlReg"))
	assert.Equal(t, 1, h.CallCount("MonitorMovToMsr"))

	h.ResetCalls()
	require.NoError(t, s.DisableAll())
	assert.Empty(t, h.Calls())
}

func TestSetXSETBV(t *testing.T) {
	s, h := newState(t)
	require.NoError(t, s.SetXSETBV(true))
	assert.True(t, s.XSETBVEnabled())
	require.NoError(t, s.SetXSETBV(false))
	assert.False(t, s.XSETBVEnabled())

	calls := h.CallsFor("MonitorWriteCtrlReg")
	require.Len(t, calls, 2)
	assert.Equal(t, vmevent.CtrlRegXCR0, calls[1].Args[1])
	assert.Equal(t, false, calls[1].Args[2])
}

func TestMSRCache(t *testing.T) {
	s, _ := newState(t)
	_, ok := s.CachedMSR(0, 0x174)
	assert.False(t, ok)

	s.CacheMSR(0, 0x174, 0x10)
	s.CacheMSR(1, 0x174, 0x20)
	v, ok := s.CachedMSR(0, 0x174)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10), v)
	v, _ = s.CachedMSR(1, 0x174)
	assert.Equal(t, uint64(0x20), v)
}
