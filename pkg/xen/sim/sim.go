// Package sim is an in-process hypervisor implementing xen.Control. It maps
// a real ring page, exposes a pollable event channel descriptor and records
// every control call, which makes it suitable for tests and demos.
package sim

import (
	"fmt"
	"slices"
	"sync"
	"syscall"

	"github.com/petrepircalabu/libbdvmi/internal/platform"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/ring"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// Call is one recorded control call.
type Call struct {
	Op   string
	Args []any
}

// Hypervisor is the simulated control session.
type Hypervisor struct {
	mu       sync.Mutex
	major    int
	minor    int
	caps     string
	domains  map[xen.DomID]*domain
	calls    []Call
	failures map[string]error
	nextPort uint32
}

type domain struct {
	info       xen.DomainInfo
	paused     bool
	maxGPFN    uint64
	accessReq  bool
	contexts   map[uint32]regs.VcpuContext
	registers  map[uint32]regs.Registers
	singleStep map[uint32]bool
	traps      map[uint32][]xen.Trap
	access     map[uint64]xen.MemAccess

	altp2m     bool
	views      map[uint16]map[uint64]xen.MemAccess
	nextView   uint16
	activeView uint16

	monitoring bool
	page       []byte
	front      *ring.FrontRing
	remotePort uint32
	evtchn     *EventChannel
	kicks      chan struct{}
}

// New returns a simulated 64-bit hypervisor with no domains.
func New() *Hypervisor {
	return &Hypervisor{
		major:    4,
		minor:    17,
		caps:     "xen-3.0-x86_64 hvm-3.0-x86_32 hvm-3.0-x86_32p hvm-3.0-x86_64",
		domains:  make(map[xen.DomID]*domain),
		failures: make(map[string]error),
		nextPort: 1,
	}
}

// SetCapabilities overrides the capability string.
func (h *Hypervisor) SetCapabilities(caps string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caps = caps
}

// AddDomain creates a guest with the given vcpu count.
func (h *Hypervisor) AddDomain(id xen.DomID, vcpus uint32, hvm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := &domain{
		info:       xen.DomainInfo{ID: id, HVM: hvm, MaxVCPUID: vcpus - 1},
		maxGPFN:    0xfffff,
		contexts:   make(map[uint32]regs.VcpuContext),
		registers:  make(map[uint32]regs.Registers),
		singleStep: make(map[uint32]bool),
		traps:      make(map[uint32][]xen.Trap),
		access:     make(map[uint64]xen.MemAccess),
		views:      make(map[uint16]map[uint64]xen.MemAccess),
		nextView:   1,
		kicks:      make(chan struct{}, 1),
	}
	for v := uint32(0); v < vcpus; v++ {
		d.contexts[v] = regs.VcpuContext{Width: regs.Width64}
	}
	h.domains[id] = d
}

// RemoveDomain drops a guest, as if it had been destroyed.
func (h *Hypervisor) RemoveDomain(id xen.DomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.domains, id)
}

// SetRegisters sets what HVMRegisters returns for a vcpu.
func (h *Hypervisor) SetRegisters(id xen.DomID, vcpu uint32, r regs.Registers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.domains[id]; ok {
		d.registers[vcpu] = r
	}
}

// Fail makes every later call to op return err. A nil err clears it.
func (h *Hypervisor) Fail(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, op)
		return
	}
	h.failures[op] = err
}

// Calls returns a copy of every recorded call.
func (h *Hypervisor) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallsFor returns the recorded calls to op.
func (h *Hypervisor) CallsFor(op string) []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Call
	for _, c := range h.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times op was called.
func (h *Hypervisor) CallCount(op string) int { return len(h.CallsFor(op)) }

// Ops returns the recorded operation names in call order.
func (h *Hypervisor) Ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.Op
	}
	return out
}

// ResetCalls forgets recorded calls.
func (h *Hypervisor) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// record logs a call and returns the injected failure for op, if any.
// Callers hold h.mu.
func (h *Hypervisor) record(op string, args ...any) error {
	h.calls = append(h.calls, Call{Op: op, Args: args})
	if err, ok := h.failures[op]; ok {
		return err
	}
	return nil
}

func (h *Hypervisor) domain(id xen.DomID) (*domain, error) {
	d, ok := h.domains[id]
	if !ok {
		return nil, syscall.ESRCH
	}
	return d, nil
}

// call records op and resolves the domain.
func (h *Hypervisor) call(op string, id xen.DomID, args ...any) (*domain, error) {
	if err := h.record(op, append([]any{id}, args...)...); err != nil {
		return nil, xen.NewError(op, err)
	}
	d, err := h.domain(id)
	if err != nil {
		return nil, xen.NewError(op, err)
	}
	return d, nil
}

// Version implements xen.Hypervisor.
func (h *Hypervisor) Version() (int, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Version"); err != nil {
		return 0, 0, xen.NewError("Version", err)
	}
	return h.major, h.minor, nil
}

// Capabilities implements xen.Hypervisor.
func (h *Hypervisor) Capabilities() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("Capabilities"); err != nil {
		return "", xen.NewError("Capabilities", err)
	}
	return h.caps, nil
}

func (h *Hypervisor) PauseDomain(id xen.DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("PauseDomain", id)
	if err != nil {
		return err
	}
	d.paused = true
	return nil
}

func (h *Hypervisor) UnpauseDomain(id xen.DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("UnpauseDomain", id)
	if err != nil {
		return err
	}
	d.paused = false
	return nil
}

func (h *Hypervisor) ShutdownDomain(id xen.DomID, reason int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("ShutdownDomain", id, reason)
	if err != nil {
		return err
	}
	d.info.Shutdown = true
	return nil
}

func (h *Hypervisor) DomainInfo(id xen.DomID) (xen.DomainInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("DomainInfo", id)
	if err != nil {
		return xen.DomainInfo{}, err
	}
	return d.info, nil
}

func (h *Hypervisor) MaximumGPFN(id xen.DomID) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("MaximumGPFN", id)
	if err != nil {
		return 0, err
	}
	return d.maxGPFN, nil
}

func (h *Hypervisor) SetAccessRequired(id xen.DomID, required bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("SetAccessRequired", id, required)
	if err != nil {
		return err
	}
	d.accessReq = required
	return nil
}

func (h *Hypervisor) DebugControl(id xen.DomID, vcpu uint32, singleStep bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("DebugControl", id, vcpu, singleStep)
	if err != nil {
		return err
	}
	d.singleStep[vcpu] = singleStep
	return nil
}

// SingleStepping reports the simulated debug control state of a vcpu.
func (h *Hypervisor) SingleStepping(id xen.DomID, vcpu uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[id]
	return ok && d.singleStep[vcpu]
}

// Paused reports whether the domain is paused.
func (h *Hypervisor) Paused(id xen.DomID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[id]
	return ok && d.paused
}

func (h *Hypervisor) VcpuContext(id xen.DomID, vcpu uint32) (regs.VcpuContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("VcpuContext", id, vcpu)
	if err != nil {
		return regs.VcpuContext{}, err
	}
	ctx, ok := d.contexts[vcpu]
	if !ok {
		return regs.VcpuContext{}, xen.NewError("VcpuContext", syscall.EINVAL)
	}
	return ctx, nil
}

func (h *Hypervisor) SetVcpuContext(id xen.DomID, vcpu uint32, ctx regs.VcpuContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("SetVcpuContext", id, vcpu, ctx)
	if err != nil {
		return err
	}
	if _, ok := d.contexts[vcpu]; !ok {
		return xen.NewError("SetVcpuContext", syscall.EINVAL)
	}
	d.contexts[vcpu] = ctx
	return nil
}

func (h *Hypervisor) HVMRegisters(id xen.DomID, vcpu uint32) (regs.Registers, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("HVMRegisters", id, vcpu)
	if err != nil {
		return regs.Registers{}, err
	}
	return d.registers[vcpu], nil
}

func (h *Hypervisor) InjectTrap(id xen.DomID, vcpu uint32, trap xen.Trap) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("InjectTrap", id, vcpu, trap)
	if err != nil {
		return err
	}
	d.traps[vcpu] = append(d.traps[vcpu], trap)
	return nil
}

// Traps returns the traps injected into a vcpu.
func (h *Hypervisor) Traps(id xen.DomID, vcpu uint32) []xen.Trap {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.domains[id]; ok {
		return slices.Clone(d.traps[vcpu])
	}
	return nil
}

func (h *Hypervisor) SetMemAccess(id xen.DomID, access xen.MemAccess, first uint64, count uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("SetMemAccess", id, access, first, count)
	if err != nil {
		return err
	}
	for gfn := first; gfn < first+uint64(count); gfn++ {
		d.access[gfn] = access
	}
	return nil
}

func (h *Hypervisor) SetMemAccessMulti(id xen.DomID, pages []xen.PageAccess) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("SetMemAccessMulti", id, slices.Clone(pages))
	if err != nil {
		return err
	}
	for _, p := range pages {
		d.access[p.GFN] = p.Access
	}
	return nil
}

func (h *Hypervisor) GetMemAccess(id xen.DomID, gfn uint64) (xen.MemAccess, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("GetMemAccess", id, gfn)
	if err != nil {
		return 0, err
	}
	if a, ok := d.access[gfn]; ok {
		return a, nil
	}
	return xen.AccessRWX, nil
}

func (h *Hypervisor) Altp2mSetDomainState(id xen.DomID, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mSetDomainState", id, enable)
	if err != nil {
		return err
	}
	d.altp2m = enable
	if !enable {
		d.views = make(map[uint16]map[uint64]xen.MemAccess)
		d.activeView = 0
	}
	return nil
}

func (h *Hypervisor) Altp2mCreateView(id xen.DomID, defaultAccess xen.MemAccess) (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mCreateView", id, defaultAccess)
	if err != nil {
		return 0, err
	}
	if !d.altp2m {
		return 0, xen.NewError("Altp2mCreateView", syscall.EOPNOTSUPP)
	}
	view := d.nextView
	d.nextView++
	d.views[view] = make(map[uint64]xen.MemAccess)
	return view, nil
}

func (h *Hypervisor) Altp2mDestroyView(id xen.DomID, view uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mDestroyView", id, view)
	if err != nil {
		return err
	}
	if _, ok := d.views[view]; !ok {
		return xen.NewError("Altp2mDestroyView", syscall.EINVAL)
	}
	if d.activeView == view {
		return xen.NewError("Altp2mDestroyView", syscall.EBUSY)
	}
	delete(d.views, view)
	return nil
}

func (h *Hypervisor) Altp2mSwitchToView(id xen.DomID, view uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mSwitchToView", id, view)
	if err != nil {
		return err
	}
	if _, ok := d.views[view]; view != 0 && !ok {
		return xen.NewError("Altp2mSwitchToView", syscall.EINVAL)
	}
	d.activeView = view
	return nil
}

func (h *Hypervisor) Altp2mSetMemAccess(id xen.DomID, view uint16, gfn uint64, access xen.MemAccess) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mSetMemAccess", id, view, gfn, access)
	if err != nil {
		return err
	}
	v, ok := d.views[view]
	if !ok {
		return xen.NewError("Altp2mSetMemAccess", syscall.EINVAL)
	}
	v[gfn] = access
	return nil
}

func (h *Hypervisor) Altp2mSetMemAccessMulti(id xen.DomID, view uint16, pages []xen.PageAccess) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("Altp2mSetMemAccessMulti", id, view, slices.Clone(pages))
	if err != nil {
		return err
	}
	v, ok := d.views[view]
	if !ok {
		return xen.NewError("Altp2mSetMemAccessMulti", syscall.EINVAL)
	}
	for _, p := range pages {
		v[p.GFN] = p.Access
	}
	return nil
}

// ActiveView returns the view the domain runs in.
func (h *Hypervisor) ActiveView(id xen.DomID) uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.domains[id]; ok {
		return d.activeView
	}
	return 0
}

// Access returns the permission of gfn in view, view 0 being the host p2m.
func (h *Hypervisor) Access(id xen.DomID, view uint16, gfn uint64) (xen.MemAccess, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[id]
	if !ok {
		return 0, false
	}
	if view == 0 {
		a, ok := d.access[gfn]
		return a, ok
	}
	a, ok := d.views[view][gfn]
	return a, ok
}

func (h *Hypervisor) EnableMonitor(id xen.DomID) ([]byte, uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("EnableMonitor", id)
	if err != nil {
		return nil, 0, err
	}
	if d.monitoring {
		return nil, 0, xen.NewError("EnableMonitor", syscall.EBUSY)
	}
	page, err := platform.MapPage()
	if err != nil {
		return nil, 0, xen.NewError("EnableMonitor", err)
	}
	if err := ring.InitShared(page); err != nil {
		platform.UnmapPage(page)
		return nil, 0, err
	}
	front, err := ring.NewFrontRing(page)
	if err != nil {
		platform.UnmapPage(page)
		return nil, 0, err
	}
	d.monitoring = true
	d.page = page
	d.front = front
	d.remotePort = h.nextPort
	h.nextPort++
	return page, d.remotePort, nil
}

func (h *Hypervisor) DisableMonitor(id xen.DomID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.call("DisableMonitor", id)
	if err != nil {
		return err
	}
	d.monitoring = false
	d.front = nil
	return nil
}

func (h *Hypervisor) UnmapRingPage(page []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("UnmapRingPage"); err != nil {
		return xen.NewError("UnmapRingPage", err)
	}
	for _, d := range h.domains {
		if len(d.page) > 0 && len(page) > 0 && &d.page[0] == &page[0] {
			d.page = nil
		}
	}
	return platform.UnmapPage(page)
}

func (h *Hypervisor) MonitorWriteCtrlReg(id xen.DomID, index vmevent.CtrlRegIndex, enable, sync bool, bitmask uint64, onChangeOnly bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.call("MonitorWriteCtrlReg", id, index, enable, sync, bitmask, onChangeOnly)
	return err
}

func (h *Hypervisor) MonitorMovToMsr(id xen.DomID, msr uint32, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.call("MonitorMovToMsr", id, msr, enable)
	return err
}

func (h *Hypervisor) MonitorSingleStep(id xen.DomID, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.call("MonitorSingleStep", id, enable)
	return err
}

func (h *Hypervisor) MonitorSoftwareBreakpoint(id xen.DomID, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.call("MonitorSoftwareBreakpoint", id, enable)
	return err
}

func (h *Hypervisor) MonitorGuestRequest(id xen.DomID, enable, sync bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.call("MonitorGuestRequest", id, enable, sync)
	return err
}

var _ xen.Control = (*Hypervisor)(nil)

func (h *Hypervisor) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("sim xen %d.%d (%d domains)", h.major, h.minor, len(h.domains))
}
