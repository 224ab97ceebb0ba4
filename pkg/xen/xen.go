// Package xen declares the hypervisor control capabilities the
// introspection core depends on. Implementations are expected to be
// already bound and type-correct; the core never resolves entry points
// itself.
package xen

import (
	"errors"

	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
)

// DomID identifies a guest.
type DomID uint16

// DomainInfo is the subset of domain information the core uses.
type DomainInfo struct {
	ID        DomID
	HVM       bool
	MaxVCPUID uint32
	Shutdown  bool
	Dying     bool
}

// VCPUs returns the number of virtual CPUs.
func (d DomainInfo) VCPUs() uint32 { return d.MaxVCPUID + 1 }

// MemAccess is a page access permission (xenmem_access_t).
type MemAccess uint8

const (
	AccessN MemAccess = iota
	AccessR
	AccessW
	AccessRW
	AccessX
	AccessRX
	AccessWX
	AccessRWX
	AccessRX2RW
	AccessN2RWX
	AccessDefault
)

// PageAccess pairs a guest frame with the permission to apply to it.
type PageAccess struct {
	GFN    uint64
	Access MemAccess
}

// Trap describes an event to inject into a vcpu.
type Trap struct {
	Vector     uint8
	Type       uint8
	ErrorCode  uint32
	InsnLength uint32
	CR2        uint64
}

// Trap types accepted by InjectTrap.
const (
	TrapTypeHWException uint8 = 3
	TrapTypeSWInterrupt uint8 = 4
	TrapTypeSWException uint8 = 6
)

// VectorBreakpoint is the int3 exception vector.
const VectorBreakpoint uint8 = 3

// ErrNotHVM is returned when a guest is not hardware-virtualized.
var ErrNotHVM = errors.New("xen: domain is not an HVM guest")

// Hypervisor reports the running hypervisor's version and capabilities.
type Hypervisor interface {
	Version() (major, minor int, err error)
	Capabilities() (string, error)
}

// DomainControl operates on a whole guest.
type DomainControl interface {
	PauseDomain(dom DomID) error
	UnpauseDomain(dom DomID) error
	ShutdownDomain(dom DomID, reason int) error
	DomainInfo(dom DomID) (DomainInfo, error)
	MaximumGPFN(dom DomID) (uint64, error)
	SetAccessRequired(dom DomID, required bool) error
	// DebugControl turns single-stepping on or off for one vcpu.
	DebugControl(dom DomID, vcpu uint32, singleStep bool) error
}

// VcpuControl reads and writes vcpu state.
type VcpuControl interface {
	VcpuContext(dom DomID, vcpu uint32) (regs.VcpuContext, error)
	SetVcpuContext(dom DomID, vcpu uint32, ctx regs.VcpuContext) error
	// HVMRegisters reads the full register set, MSRs included, from the
	// saved HVM context.
	HVMRegisters(dom DomID, vcpu uint32) (regs.Registers, error)
	InjectTrap(dom DomID, vcpu uint32, trap Trap) error
}

// MemAccessControl manages page permissions in the host p2m.
type MemAccessControl interface {
	SetMemAccess(dom DomID, access MemAccess, first uint64, count uint32) error
	SetMemAccessMulti(dom DomID, pages []PageAccess) error
	GetMemAccess(dom DomID, gfn uint64) (MemAccess, error)
}

// Altp2mControl manages alternate p2m views.
type Altp2mControl interface {
	Altp2mSetDomainState(dom DomID, enable bool) error
	Altp2mCreateView(dom DomID, defaultAccess MemAccess) (uint16, error)
	Altp2mDestroyView(dom DomID, view uint16) error
	Altp2mSwitchToView(dom DomID, view uint16) error
	Altp2mSetMemAccess(dom DomID, view uint16, gfn uint64, access MemAccess) error
	Altp2mSetMemAccessMulti(dom DomID, view uint16, pages []PageAccess) error
}

// Monitor configures vm_event monitoring.
type Monitor interface {
	// EnableMonitor maps the shared ring page and returns it with the
	// remote event channel port.
	EnableMonitor(dom DomID) (page []byte, port uint32, err error)
	DisableMonitor(dom DomID) error
	UnmapRingPage(page []byte) error

	MonitorWriteCtrlReg(dom DomID, index vmevent.CtrlRegIndex, enable, sync bool, bitmask uint64, onChangeOnly bool) error
	MonitorMovToMsr(dom DomID, msr uint32, enable bool) error
	MonitorSingleStep(dom DomID, enable bool) error
	MonitorSoftwareBreakpoint(dom DomID, enable bool) error
	MonitorGuestRequest(dom DomID, enable, sync bool) error
}

// EventChannel is an open event channel handle.
type EventChannel interface {
	// Fd is pollable; it becomes readable when a port is pending.
	Fd() int
	BindInterdomain(dom DomID, remotePort uint32) (localPort uint32, err error)
	Unbind(port uint32) error
	// Pending returns the next port with a pending notification.
	Pending() (uint32, error)
	Unmask(port uint32) error
	Notify(port uint32) error
	Close() error
}

// EventChannels opens event channel handles.
type EventChannels interface {
	OpenEventChannel() (EventChannel, error)
}

// Control is the full capability set of one hypervisor control session.
type Control interface {
	Hypervisor
	DomainControl
	VcpuControl
	MemAccessControl
	Altp2mControl
	Monitor
	EventChannels
}
