// Package regs converts between the vm_event register snapshot and the
// architecture-neutral register set handed to introspection handlers.
package regs

import "fmt"

// Mode is the guest execution mode derived from control and segment state.
type Mode int

const (
	ModeError Mode = iota
	Mode16
	Mode32
	Mode64
)

func (m Mode) String() string {
	switch m {
	case Mode16:
		return "16-bit"
	case Mode32:
		return "32-bit"
	case Mode64:
		return "64-bit"
	default:
		return "error"
	}
}

// Bits consulted when deriving the execution mode.
const (
	cr0PE    = 1 << 0
	rflagsVM = 1 << 17
	eferLMA  = 1 << 10

	// Packed segment attribute layout of the CS attribute bytes.
	csArL  = 1 << 9
	csArDB = 1 << 10
)

// Registers is the architecture-neutral register set.
type Registers struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RFlags uint64

	CR0, CR2, CR3, CR4 uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64
	MsrEFER     uint64
	MsrSTAR     uint64
	MsrLSTAR    uint64
	FSBase      uint64
	GSBase      uint64
	MsrPAT      uint64
	ShadowGS    uint64

	CSArBytes uint32

	Mode Mode
}

// GuestMode derives the execution mode. Real mode and virtual-8086 mode are
// reported as ModeError since handlers cannot decode them.
func GuestMode(r *Registers) Mode {
	if r.CR0&cr0PE == 0 {
		return ModeError
	}
	if r.RFlags&rflagsVM != 0 {
		return ModeError
	}
	if r.MsrEFER&eferLMA != 0 && r.CSArBytes&csArL != 0 {
		return Mode64
	}
	if r.CSArBytes&csArDB != 0 {
		return Mode32
	}
	return Mode16
}

func (r Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rflags=%#x cr3=%#x mode=%s", r.RIP, r.RSP, r.RFlags, r.CR3, r.Mode)
}
