// Package events dispatches vm_event requests to an introspection handler
// and runs the loop that drains the ring.
package events

import "github.com/petrepircalabu/libbdvmi/pkg/regs"

// Action is a handler's decision on an intercepted access.
type Action int

const (
	// ActionNone lets the hypervisor emulate the access.
	ActionNone Action = iota
	// ActionEmulateNoWrite emulates the instruction without its memory
	// writes. For register writes it denies the write.
	ActionEmulateNoWrite
	// ActionSkipInstruction moves RIP past the faulting instruction. For
	// register writes it denies the write.
	ActionSkipInstruction
	// ActionAllowVirtual resumes without emulation; the handler already
	// changed the guest's control flow.
	ActionAllowVirtual
	// ActionEmulateSetContext emulates with handler supplied read data.
	ActionEmulateSetContext
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionEmulateNoWrite:
		return "emulate-nowrite"
	case ActionSkipInstruction:
		return "skip-instruction"
	case ActionAllowVirtual:
		return "allow-virtual"
	case ActionEmulateSetContext:
		return "emulate-set-context"
	default:
		return "unknown"
	}
}

// denies reports whether the action rejects a register write.
func (a Action) denies() bool {
	return a == ActionSkipInstruction || a == ActionEmulateNoWrite
}

// PageFault describes a memory access violation handed to a Handler.
type PageFault struct {
	VCPU    uint32
	Regs    *regs.Registers
	GPA     uint64
	GVA     uint64 // zero unless the hypervisor reported a linear address
	Read    bool
	Write   bool
	Execute bool
}

// PageFaultResult is a Handler's reply to a PageFault.
type PageFaultResult struct {
	Action Action
	// InstructionSize is added to RIP for ActionSkipInstruction.
	InstructionSize uint16
	// ReadData is used by the emulator for ActionEmulateSetContext.
	ReadData []byte
}

// Handler receives the guest events. Every method runs on the loop's
// goroutine while the vcpu that raised the event is paused.
type Handler interface {
	HandlePageFault(f *PageFault) PageFaultResult
	HandleCR(vcpu uint32, cr int, r *regs.Registers, oldValue, newValue uint64) Action
	HandleMSR(vcpu uint32, msr uint32, oldValue, newValue uint64) Action
	HandleVMCALL(vcpu uint32, r *regs.Registers)
	// HandleBreakpoint reports whether the breakpoint was consumed. An
	// unconsumed breakpoint is reinjected into the guest.
	HandleBreakpoint(vcpu uint32, r *regs.Registers, gfn uint64) bool
	HandleInterrupt(vcpu uint32, r *regs.Registers, vector, errorCode uint32, cr2 uint64)
	HandleXSETBV(vcpu uint32, value uint64)
	RunPreEvent()
	RunPostEvent()
	HandleSessionOver(guestStillRunning bool)
}

// NopHandler implements Handler with no judgment on any event. Embed it to
// implement only some methods.
type NopHandler struct{}

func (NopHandler) HandlePageFault(*PageFault) PageFaultResult { return PageFaultResult{} }

func (NopHandler) HandleCR(uint32, int, *regs.Registers, uint64, uint64) Action {
	return ActionNone
}

func (NopHandler) HandleMSR(uint32, uint32, uint64, uint64) Action { return ActionNone }

func (NopHandler) HandleVMCALL(uint32, *regs.Registers) {}

func (NopHandler) HandleBreakpoint(uint32, *regs.Registers, uint64) bool { return false }

func (NopHandler) HandleInterrupt(uint32, *regs.Registers, uint32, uint32, uint64) {}

func (NopHandler) HandleXSETBV(uint32, uint64) {}

func (NopHandler) RunPreEvent() {}

func (NopHandler) RunPostEvent() {}

func (NopHandler) HandleSessionOver(bool) {}

var _ Handler = NopHandler{}
