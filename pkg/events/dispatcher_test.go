package events

import (
	"bytes"
	"log"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrepircalabu/libbdvmi/pkg/driver"
	"github.com/petrepircalabu/libbdvmi/pkg/policy"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
	"github.com/petrepircalabu/libbdvmi/pkg/xen/sim"
)

const testDom xen.DomID = 1

type countingStats struct {
	mu       sync.Mutex
	counts   map[string]int
	observed int
}

func newCountingStats() *countingStats { return &countingStats{counts: make(map[string]int)} }

func (c *countingStats) IncStat(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

func (c *countingStats) ObserveDispatch(string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed++
}

func (c *countingStats) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// recordingHandler returns canned answers and records what it saw.
type recordingHandler struct {
	NopHandler
	mu sync.Mutex

	pageFault   PageFaultResult
	crAction    Action
	msrAction   Action
	bpHandled   bool
	calls       []string
	lastFault   PageFault
	lastCR      [3]uint64 // cr, old, new
	lastMSR     [3]uint64 // msr, old, new
	lastXSETBV  uint64
	lastIntr    [3]uint64 // vector, error code, cr2
	sessionOver []bool
	onPre       func()
}

func (r *recordingHandler) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recordingHandler) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingHandler) HandlePageFault(f *PageFault) PageFaultResult {
	r.record("pagefault")
	r.lastFault = *f
	return r.pageFault
}

func (r *recordingHandler) HandleCR(vcpu uint32, cr int, _ *regs.Registers, oldValue, newValue uint64) Action {
	r.record("cr")
	r.lastCR = [3]uint64{uint64(cr), oldValue, newValue}
	return r.crAction
}

func (r *recordingHandler) HandleMSR(vcpu uint32, msr uint32, oldValue, newValue uint64) Action {
	r.record("msr")
	r.lastMSR = [3]uint64{uint64(msr), oldValue, newValue}
	return r.msrAction
}

func (r *recordingHandler) HandleVMCALL(uint32, *regs.Registers) { r.record("vmcall") }

func (r *recordingHandler) HandleBreakpoint(uint32, *regs.Registers, uint64) bool {
	r.record("breakpoint")
	return r.bpHandled
}

func (r *recordingHandler) HandleInterrupt(_ uint32, _ *regs.Registers, vector, errorCode uint32, cr2 uint64) {
	r.record("interrupt")
	r.lastIntr = [3]uint64{uint64(vector), uint64(errorCode), cr2}
}

func (r *recordingHandler) HandleXSETBV(_ uint32, value uint64) {
	r.record("xsetbv")
	r.lastXSETBV = value
}

func (r *recordingHandler) RunPreEvent() {
	r.record("pre")
	if r.onPre != nil {
		r.onPre()
	}
}

func (r *recordingHandler) RunPostEvent() { r.record("post") }

func (r *recordingHandler) HandleSessionOver(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionOver = append(r.sessionOver, running)
}

type fixture struct {
	h     *sim.Hypervisor
	drv   *driver.Driver
	pol   *policy.State
	stats *countingStats
	disp  *Dispatcher
}

func newFixture(t *testing.T, useAltp2m bool) *fixture {
	t.Helper()
	h := sim.New()
	h.AddDomain(testDom, 2, true)
	drv, err := driver.New(h, testDom, useAltp2m, nil)
	require.NoError(t, err)
	pol := policy.New(h, testDom, nil)
	stats := newCountingStats()
	return &fixture{
		h:     h,
		drv:   drv,
		pol:   pol,
		stats: stats,
		disp:  NewDispatcher(drv, pol, useAltp2m, vmevent.InterfaceVersion, stats, nil),
	}
}

func memAccessRequest(flags vmevent.MemAccessFlags) vmevent.Request {
	return vmevent.Request{
		Version: vmevent.InterfaceVersion,
		Flags:   vmevent.FlagVCPUPaused,
		Reason:  vmevent.ReasonMemAccess,
		VCPU:    1,
		Payload: vmevent.MemAccess{GFN: 0x1000, Offset: 0x18, GLA: 0xfffff80000000018, Flags: flags},
		Regs:    regs.WireX86{RIP: 0xfffff80000400000, CR0: 1},
	}
}

func TestMemAccessWithoutHandlerEmulates(t *testing.T) {
	f := newFixture(t, false)
	req := memAccessRequest(vmevent.MemAccessW)
	rsp := f.disp.Dispatch(&req)

	assert.Equal(t, vmevent.FlagVCPUPaused|vmevent.FlagEmulate, rsp.Flags)
	assert.Equal(t, vmevent.ReasonMemAccess, rsp.Reason)
	assert.Equal(t, req.VCPU, rsp.VCPU)
	assert.Equal(t, req.Payload, rsp.Payload)
	assert.Equal(t, uint32(vmevent.InterfaceVersion), rsp.Version)
	assert.Equal(t, 1, f.stats.get(StatEventCount))
	assert.Equal(t, 1, f.stats.get(StatEventsMemAccess))
	assert.Equal(t, 1, f.stats.observed)
}

func TestMemAccessHandlerArguments(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	f.disp.SetHandler(h)

	req := memAccessRequest(vmevent.MemAccessR | vmevent.MemAccessX | vmevent.MemAccessGLAValid)
	f.disp.Dispatch(&req)

	assert.Equal(t, []string{"pre", "pagefault", "post"}, h.Calls())
	assert.Equal(t, uint64(0x1000018), h.lastFault.GPA)
	assert.Equal(t, uint64(0xfffff80000000018), h.lastFault.GVA)
	assert.True(t, h.lastFault.Read)
	assert.False(t, h.lastFault.Write)
	assert.True(t, h.lastFault.Execute)
	assert.Equal(t, uint64(0xfffff80000400000), h.lastFault.Regs.RIP)

	req = memAccessRequest(vmevent.MemAccessR)
	f.disp.Dispatch(&req)
	assert.Zero(t, h.lastFault.GVA)
}

func TestMemAccessFaultInGPTSkipsHandler(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{pageFault: PageFaultResult{Action: ActionAllowVirtual}}
	f.disp.SetHandler(h)

	req := memAccessRequest(vmevent.MemAccessW | vmevent.MemAccessFaultInGPT)
	rsp := f.disp.Dispatch(&req)

	assert.NotContains(t, h.Calls(), "pagefault")
	assert.Equal(t, vmevent.FlagVCPUPaused|vmevent.FlagEmulate, rsp.Flags)
}

func TestMemAccessActions(t *testing.T) {
	cases := []struct {
		name   string
		result PageFaultResult
		check  func(t *testing.T, req vmevent.Request, rsp vmevent.Response)
	}{
		{"none", PageFaultResult{Action: ActionNone}, func(t *testing.T, _ vmevent.Request, rsp vmevent.Response) {
			assert.Equal(t, vmevent.FlagVCPUPaused|vmevent.FlagEmulate, rsp.Flags)
		}},
		{"emulate nowrite", PageFaultResult{Action: ActionEmulateNoWrite}, func(t *testing.T, _ vmevent.Request, rsp vmevent.Response) {
			assert.True(t, rsp.Flags.Has(vmevent.FlagEmulate|vmevent.FlagEmulateNoWrite))
		}},
		{"skip instruction", PageFaultResult{Action: ActionSkipInstruction, InstructionSize: 3}, func(t *testing.T, req vmevent.Request, rsp vmevent.Response) {
			assert.True(t, rsp.Flags.Has(vmevent.FlagSetRegisters))
			assert.False(t, rsp.Flags.Has(vmevent.FlagEmulate))
			assert.Equal(t, req.Regs.RIP+3, rsp.Regs.RIP)
		}},
		{"allow virtual", PageFaultResult{Action: ActionAllowVirtual}, func(t *testing.T, _ vmevent.Request, rsp vmevent.Response) {
			assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)
		}},
		{"emulate set context", PageFaultResult{Action: ActionEmulateSetContext, ReadData: []byte{0xde, 0xad}}, func(t *testing.T, _ vmevent.Request, rsp vmevent.Response) {
			assert.True(t, rsp.Flags.Has(vmevent.FlagEmulate|vmevent.FlagSetEmulReadData))
			assert.Equal(t, []byte{0xde, 0xad}, rsp.EmulReadData)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.disp.SetHandler(&recordingHandler{pageFault: tc.result})
			req := memAccessRequest(vmevent.MemAccessW)
			tc.check(t, req, f.disp.Dispatch(&req))
		})
	}
}

func TestEmulatedReadDataIsTruncated(t *testing.T) {
	f := newFixture(t, false)
	f.disp.SetHandler(&recordingHandler{pageFault: PageFaultResult{
		Action:   ActionEmulateSetContext,
		ReadData: make([]byte, vmevent.MaxEmulReadData+10),
	}})
	req := memAccessRequest(vmevent.MemAccessR)
	rsp := f.disp.Dispatch(&req)
	assert.Len(t, rsp.EmulReadData, vmevent.MaxEmulReadData)
}

func TestMemAccessNoneWithAltp2mSingleSteps(t *testing.T) {
	f := newFixture(t, true)
	f.disp.SetHandler(&recordingHandler{})

	req := memAccessRequest(vmevent.MemAccessW)
	req.Flags |= vmevent.FlagAlternateP2M
	req.Altp2mIdx = 2
	rsp := f.disp.Dispatch(&req)

	assert.True(t, rsp.Flags.Has(vmevent.FlagAlternateP2M|vmevent.FlagToggleSingleStep))
	assert.False(t, rsp.Flags.Has(vmevent.FlagEmulate))
	assert.Zero(t, rsp.Altp2mIdx)

	// Without the request flag the access is emulated in place.
	req = memAccessRequest(vmevent.MemAccessW)
	rsp = f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagEmulate))
	assert.False(t, rsp.Flags.Has(vmevent.FlagToggleSingleStep))
}

func TestSingleStep(t *testing.T) {
	req := vmevent.Request{Reason: vmevent.ReasonSingleStep, Flags: vmevent.FlagVCPUPaused, Payload: vmevent.SingleStep{GFN: 1}}

	f := newFixture(t, false)
	rsp := f.disp.Dispatch(&req)
	assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)

	f = newFixture(t, true)
	view, err := f.drv.Altp2m().CreateView(xen.AccessRWX)
	require.NoError(t, err)
	require.NoError(t, f.drv.Altp2m().SwitchToView(view))

	rsp = f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagAlternateP2M|vmevent.FlagToggleSingleStep))
	assert.Equal(t, view, rsp.Altp2mIdx)
	assert.Equal(t, 1, f.stats.get(StatEventsSingleStep))
}

func crRequest(index vmevent.CtrlRegIndex, oldValue, newValue uint64) vmevent.Request {
	return vmevent.Request{
		Flags:   vmevent.FlagVCPUPaused,
		Reason:  vmevent.ReasonWriteCtrlReg,
		Payload: vmevent.WriteCtrlReg{Index: index, OldValue: oldValue, NewValue: newValue},
	}
}

func TestCR3WriteWithNoneIsAllowed(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{crAction: ActionNone}
	f.disp.SetHandler(h)

	req := crRequest(vmevent.CtrlRegCR3, 0x1000, 0x2000)
	rsp := f.disp.Dispatch(&req)

	assert.Equal(t, vmevent.ReasonWriteCtrlReg, rsp.Reason)
	assert.False(t, rsp.Flags.Has(vmevent.FlagDeny))
	assert.Equal(t, [3]uint64{3, 0x1000, 0x2000}, h.lastCR)
	assert.Equal(t, 1, f.stats.get(StatEventsWriteCtrlReg))
}

func TestCRDenyOnlyForDenyingActions(t *testing.T) {
	for _, a := range []Action{ActionNone, ActionEmulateNoWrite, ActionSkipInstruction, ActionAllowVirtual, ActionEmulateSetContext} {
		t.Run(a.String(), func(t *testing.T) {
			f := newFixture(t, false)
			f.disp.SetHandler(&recordingHandler{crAction: a})
			req := crRequest(vmevent.CtrlRegCR0, 0x80000011, 0x80000031)
			rsp := f.disp.Dispatch(&req)
			want := a == ActionSkipInstruction || a == ActionEmulateNoWrite
			assert.Equal(t, want, rsp.Flags.Has(vmevent.FlagDeny))
		})
	}
}

func TestCRIndexMapping(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	f.disp.SetHandler(h)

	req := crRequest(vmevent.CtrlRegCR4, 0, 0x80)
	f.disp.Dispatch(&req)
	assert.Equal(t, uint64(4), h.lastCR[0])

	req = crRequest(vmevent.CtrlRegCR0, 0, 1)
	f.disp.Dispatch(&req)
	assert.Equal(t, uint64(0), h.lastCR[0])
}

func TestXCR0GoesToXSETBV(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{crAction: ActionSkipInstruction}
	f.disp.SetHandler(h)

	req := crRequest(vmevent.CtrlRegXCR0, 0x3, 0x7)
	rsp := f.disp.Dispatch(&req)

	assert.Equal(t, []string{"pre", "xsetbv", "post"}, h.Calls())
	assert.Equal(t, uint64(0x7), h.lastXSETBV)
	assert.False(t, rsp.Flags.Has(vmevent.FlagDeny))
}

func TestMovToMsrWithoutHandler(t *testing.T) {
	f := newFixture(t, false)
	req := vmevent.Request{
		Version: 3,
		Flags:   vmevent.FlagVCPUPaused | vmevent.FlagEmulate,
		Reason:  vmevent.ReasonMovToMsr,
		Payload: vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), NewValue: 0xfffff80000001000, HasOldValue: true},
	}
	rsp := f.disp.Dispatch(&req)

	assert.Equal(t, req.Flags, rsp.Flags)
	assert.False(t, rsp.Flags.Has(vmevent.FlagDeny))
	assert.Equal(t, 1, f.stats.get(StatEventsMovToMsr))
	assert.Zero(t, f.h.CallCount("HVMRegisters"))
}

func TestMovToMsrOldValueInline(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{msrAction: ActionEmulateNoWrite}
	f.disp.SetHandler(h)

	req := vmevent.Request{
		Reason:  vmevent.ReasonMovToMsr,
		Payload: vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), OldValue: 0x10, NewValue: 0x20, HasOldValue: true},
	}
	rsp := f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagDeny))
	assert.Equal(t, [3]uint64{uint64(regs.MsrLSTAR), 0x10, 0x20}, h.lastMSR)
	_, cached := f.pol.CachedMSR(0, regs.MsrLSTAR)
	assert.False(t, cached)
}

func TestMovToMsrFallbackCache(t *testing.T) {
	f := newFixture(t, false)
	f.h.SetRegisters(testDom, 0, regs.Registers{MsrLSTAR: 0x111})
	h := &recordingHandler{}
	f.disp.SetHandler(h)

	req := vmevent.Request{
		Version: 2,
		Reason:  vmevent.ReasonMovToMsr,
		Payload: vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), NewValue: 0x222},
	}
	f.disp.Dispatch(&req)
	assert.Equal(t, uint64(0x111), h.lastMSR[1])
	v, ok := f.pol.CachedMSR(0, regs.MsrLSTAR)
	require.True(t, ok)
	assert.Equal(t, uint64(0x222), v)

	req.Payload = vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), NewValue: 0x333}
	f.disp.Dispatch(&req)
	assert.Equal(t, uint64(0x222), h.lastMSR[1])
	assert.Equal(t, 1, f.h.CallCount("HVMRegisters"))

	// A denied write leaves the cache alone.
	h.msrAction = ActionSkipInstruction
	req.Payload = vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), NewValue: 0x444}
	rsp := f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagDeny))
	v, _ = f.pol.CachedMSR(0, regs.MsrLSTAR)
	assert.Equal(t, uint64(0x333), v)
}

func TestMovToMsrUnknownMSRReadsZero(t *testing.T) {
	f := newFixture(t, false)
	f.h.SetRegisters(testDom, 0, regs.Registers{MsrLSTAR: 0x111})
	h := &recordingHandler{}
	f.disp.SetHandler(h)

	req := vmevent.Request{Version: 2, Reason: vmevent.ReasonMovToMsr, Payload: vmevent.MovToMsr{MSR: uint64(regs.MsrMiscEnable), NewValue: 1}}
	f.disp.Dispatch(&req)
	assert.Zero(t, h.lastMSR[1])
}

func TestGuestRequest(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	f.disp.SetHandler(h)
	req := vmevent.Request{Reason: vmevent.ReasonGuestRequest, Flags: vmevent.FlagVCPUPaused, Payload: vmevent.GuestRequest{}}
	rsp := f.disp.Dispatch(&req)
	assert.Contains(t, h.Calls(), "vmcall")
	assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)
	assert.Equal(t, 1, f.stats.get(StatEventsGuestRequest))
}

func breakpointRequest() vmevent.Request {
	return vmevent.Request{
		Reason:  vmevent.ReasonSoftwareBreakpoint,
		VCPU:    1,
		Payload: vmevent.SoftwareBreakpoint{GFN: 0x42, InsnLength: 1},
		Regs:    regs.WireX86{RIP: 0x401000},
	}
}

func TestBreakpointHandledIsNotReinjected(t *testing.T) {
	f := newFixture(t, false)
	f.disp.SetHandler(&recordingHandler{bpHandled: true})
	req := breakpointRequest()
	f.disp.Dispatch(&req)
	assert.Zero(t, f.h.CallCount("InjectTrap"))
	assert.Equal(t, 1, f.stats.get(StatEventsBreakPoint))
}

func TestBreakpointNotHandledIsReinjectedOnce(t *testing.T) {
	f := newFixture(t, false)
	f.disp.SetHandler(&recordingHandler{bpHandled: false})
	req := breakpointRequest()
	f.disp.Dispatch(&req)

	require.Equal(t, 1, f.h.CallCount("InjectTrap"))
	traps := f.h.Traps(testDom, 1)
	require.Len(t, traps, 1)
	assert.Equal(t, xen.VectorBreakpoint, traps[0].Vector)
	assert.Equal(t, xen.TrapTypeSWException, traps[0].Type)
}

func TestBreakpointWithoutHandlerIsReinjected(t *testing.T) {
	f := newFixture(t, false)
	req := breakpointRequest()
	f.disp.Dispatch(&req)
	assert.Equal(t, 1, f.h.CallCount("InjectTrap"))
}

func TestBreakpointReinjectionFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, false)
	f.h.Fail("InjectTrap", syscall.EINVAL)
	req := breakpointRequest()
	rsp := f.disp.Dispatch(&req)
	assert.Equal(t, vmevent.ReasonSoftwareBreakpoint, rsp.Reason)
}

func TestInterrupt(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	f.disp.SetHandler(h)
	req := vmevent.Request{Reason: vmevent.ReasonInterrupt, Payload: vmevent.Interrupt{Vector: 14, ErrorCode: 2, CR2: 0x7ff000}}
	rsp := f.disp.Dispatch(&req)
	assert.Equal(t, [3]uint64{14, 2, 0x7ff000}, h.lastIntr)
	assert.Zero(t, rsp.Flags)
	assert.Equal(t, 1, f.stats.get(StatEventsInterrupt))
}

func TestUnknownReason(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	f.disp.SetHandler(h)
	req := vmevent.Request{Reason: 42, Flags: vmevent.FlagVCPUPaused, Payload: vmevent.Unknown{Code: 42}}
	rsp := f.disp.Dispatch(&req)
	assert.Equal(t, []string{"pre", "post"}, h.Calls())
	assert.Equal(t, vmevent.FlagVCPUPaused, rsp.Flags)
	assert.Equal(t, 1, f.stats.get(StatEventCount))
}

func TestDelayedWriteIsMerged(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	h.onPre = func() {
		require.NoError(t, f.drv.SetRegisters(0, regs.Registers{RAX: 0xaa, RIP: 0x5000}, true, true))
	}
	f.disp.SetHandler(h)

	req := vmevent.Request{Reason: vmevent.ReasonGuestRequest, Payload: vmevent.GuestRequest{}, Regs: regs.WireX86{CR3: 0x1000}}
	rsp := f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagSetRegisters))
	assert.Equal(t, uint64(0xaa), rsp.Regs.RAX)
	assert.Equal(t, uint64(0x5000), rsp.Regs.RIP)
	assert.Equal(t, uint64(0x1000), rsp.Regs.CR3)

	h.onPre = nil
	rsp = f.disp.Dispatch(&req)
	assert.False(t, rsp.Flags.Has(vmevent.FlagSetRegisters))
}

func TestDelayedWriteDroppedWithEmulatedReadData(t *testing.T) {
	f := newFixture(t, false)
	var logs bytes.Buffer
	f.disp = NewDispatcher(f.drv, f.pol, false, vmevent.InterfaceVersion, f.stats, log.New(&logs, "", 0))
	h := &recordingHandler{pageFault: PageFaultResult{Action: ActionEmulateSetContext, ReadData: []byte{1, 2, 3, 4}}}
	h.onPre = func() {
		require.NoError(t, f.drv.SetRegisters(1, regs.Registers{RAX: 0x4141, RIP: 0x9999}, true, true))
	}
	f.disp.SetHandler(h)

	req := memAccessRequest(vmevent.MemAccessR)
	rsp := f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagSetEmulReadData))
	assert.False(t, rsp.Flags.Has(vmevent.FlagSetRegisters))
	assert.Contains(t, logs.String(), "[Xen events] warning: dropping delayed register write")

	buf := make([]byte, vmevent.EntrySize)
	require.NoError(t, vmevent.MarshalResponse(buf, &rsp))
	back, err := vmevent.UnmarshalResponse(buf)
	require.NoError(t, err)
	assert.False(t, back.Flags.Has(vmevent.FlagSetRegisters))
	assert.Equal(t, []byte{1, 2, 3, 4}, back.EmulReadData)

	_, pending := f.drv.TakeDelayedWrite()
	assert.False(t, pending)
}

func TestPendingInjectionRequestsNextInterrupt(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.drv.InjectTrap(1, xen.Trap{Vector: 14, Type: xen.TrapTypeHWException}))

	req := vmevent.Request{Reason: vmevent.ReasonGuestRequest, VCPU: 0, Payload: vmevent.GuestRequest{}}
	rsp := f.disp.Dispatch(&req)
	assert.False(t, rsp.Flags.Has(vmevent.FlagGetNextInterrupt))

	req.VCPU = 1
	rsp = f.disp.Dispatch(&req)
	assert.True(t, rsp.Flags.Has(vmevent.FlagGetNextInterrupt))
	assert.False(t, f.drv.PendingInjection(1))
}

func TestPageProtectionsFlushedPerRequest(t *testing.T) {
	f := newFixture(t, false)
	h := &recordingHandler{}
	h.onPre = func() { f.drv.SetPageProtection(0x99, true, false, true) }
	f.disp.SetHandler(h)

	req := vmevent.Request{Reason: vmevent.ReasonGuestRequest, Payload: vmevent.GuestRequest{}}
	f.disp.Dispatch(&req)
	assert.Equal(t, 1, f.h.CallCount("SetMemAccessMulti"))
	a, ok := f.h.Access(testDom, 0, 0x99)
	assert.True(t, ok)
	assert.Equal(t, xen.AccessRX, a)
}
