package sim

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrepircalabu/libbdvmi/pkg/ring"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

func TestRecordsCalls(t *testing.T) {
	h := New()
	h.AddDomain(1, 2, true)

	require.NoError(t, h.PauseDomain(1))
	assert.True(t, h.Paused(1))
	require.NoError(t, h.UnpauseDomain(1))
	assert.False(t, h.Paused(1))
	require.NoError(t, h.DebugControl(1, 1, true))
	assert.True(t, h.SingleStepping(1, 1))
	assert.False(t, h.SingleStepping(1, 0))

	assert.Equal(t, []string{"PauseDomain", "UnpauseDomain", "DebugControl"}, h.Ops())
	calls := h.CallsFor("DebugControl")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{xen.DomID(1), uint32(1), true}, calls[0].Args)

	h.ResetCalls()
	assert.Empty(t, h.Calls())
}

func TestInjectedFailure(t *testing.T) {
	h := New()
	h.AddDomain(1, 1, true)
	h.Fail("PauseDomain", syscall.EPERM)

	err := h.PauseDomain(1)
	require.Error(t, err)
	var xerr *xen.Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, "PauseDomain", xerr.Op)
	assert.False(t, h.Paused(1))
	assert.Equal(t, 1, h.CallCount("PauseDomain"))

	h.Fail("PauseDomain", nil)
	assert.NoError(t, h.PauseDomain(1))
}

func TestMissingDomain(t *testing.T) {
	h := New()
	_, err := h.DomainInfo(3)
	assert.True(t, errors.Is(err, syscall.ESRCH))

	h.AddDomain(3, 1, false)
	info, err := h.DomainInfo(3)
	require.NoError(t, err)
	assert.False(t, info.HVM)
	assert.Equal(t, uint32(1), info.VCPUs())

	h.RemoveDomain(3)
	_, err = h.DomainInfo(3)
	assert.True(t, errors.Is(err, syscall.ESRCH))
}

func TestMemAccess(t *testing.T) {
	h := New()
	h.AddDomain(1, 1, true)

	a, err := h.GetMemAccess(1, 0x10)
	require.NoError(t, err)
	assert.Equal(t, xen.AccessRWX, a)

	require.NoError(t, h.SetMemAccess(1, xen.AccessR, 0x10, 2))
	require.NoError(t, h.SetMemAccessMulti(1, []xen.PageAccess{{GFN: 0x20, Access: xen.AccessRX}}))

	for gfn, want := range map[uint64]xen.MemAccess{0x10: xen.AccessR, 0x11: xen.AccessR, 0x20: xen.AccessRX} {
		got, ok := h.Access(1, 0, gfn)
		assert.True(t, ok)
		assert.Equal(t, want, got, "gfn %#x", gfn)
	}
	_, ok := h.Access(1, 0, 0x12)
	assert.False(t, ok)
}

func TestAltp2mViews(t *testing.T) {
	h := New()
	h.AddDomain(1, 1, true)

	_, err := h.Altp2mCreateView(1, xen.AccessDefault)
	assert.True(t, errors.Is(err, syscall.EOPNOTSUPP))

	require.NoError(t, h.Altp2mSetDomainState(1, true))
	view, err := h.Altp2mCreateView(1, xen.AccessDefault)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), view)

	require.NoError(t, h.Altp2mSetMemAccess(1, view, 0x5, xen.AccessRW))
	got, ok := h.Access(1, view, 0x5)
	assert.True(t, ok)
	assert.Equal(t, xen.AccessRW, got)

	require.NoError(t, h.Altp2mSwitchToView(1, view))
	assert.Equal(t, view, h.ActiveView(1))
	assert.True(t, errors.Is(h.Altp2mDestroyView(1, view), syscall.EBUSY))
	assert.True(t, errors.Is(h.Altp2mSwitchToView(1, 9), syscall.EINVAL))

	require.NoError(t, h.Altp2mSwitchToView(1, 0))
	require.NoError(t, h.Altp2mDestroyView(1, view))
	assert.True(t, errors.Is(h.Altp2mSetMemAccess(1, view, 0x5, xen.AccessRW), syscall.EINVAL))
}

func TestMonitorLifecycle(t *testing.T) {
	h := New()
	h.AddDomain(1, 1, true)

	page, port, err := h.EnableMonitor(1)
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Len(t, page, 4096)

	_, _, err = h.EnableMonitor(1)
	assert.True(t, errors.Is(err, syscall.EBUSY))

	ec, err := h.OpenEventChannel()
	require.NoError(t, err)
	_, err = ec.BindInterdomain(1, port+100)
	assert.True(t, errors.Is(err, syscall.EINVAL))
	local, err := ec.BindInterdomain(1, port)
	require.NoError(t, err)

	guest := h.Guest(1)
	assert.Equal(t, ring.Slots(len(page)), guest.Free())
	require.NoError(t, guest.Raise(vmevent.Request{
		Version: vmevent.InterfaceVersion,
		Reason:  vmevent.ReasonGuestRequest,
		Payload: vmevent.GuestRequest{},
	}))

	got, err := ec.Pending()
	require.NoError(t, err)
	assert.Equal(t, local, got)

	back, err := ring.NewBackRing(page)
	require.NoError(t, err)
	buf := make([]byte, vmevent.EntrySize)
	require.NoError(t, back.Take(buf))
	require.NoError(t, back.Put(buf))
	back.PushResponses()
	require.NoError(t, ec.Notify(local))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rsps, err := guest.WaitResponses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rsps, 1)
	assert.Equal(t, vmevent.ReasonGuestRequest, rsps[0].Reason)

	require.NoError(t, h.DisableMonitor(1))
	require.NoError(t, ec.Unbind(local))
	require.NoError(t, ec.Close())
	require.NoError(t, h.UnmapRingPage(page))
	assert.ErrorIs(t, guest.Raise(vmevent.Request{}), ErrNotMonitored)
	assert.Zero(t, guest.Free())
}

func TestWaitResponsesTimeout(t *testing.T) {
	h := New()
	h.AddDomain(1, 1, true)
	_, _, err := h.EnableMonitor(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Guest(1).WaitResponses(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
