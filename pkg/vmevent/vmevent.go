// Package vmevent models vm_event requests and responses and encodes them
// to and from the fixed-size entries carried on the shared ring.
package vmevent

import (
	"fmt"

	"github.com/petrepircalabu/libbdvmi/pkg/regs"
)

// InterfaceVersion is the vm_event ABI revision written into responses by
// default.
const InterfaceVersion uint32 = 3

// Reason identifies why the hypervisor raised a request.
type Reason uint32

const (
	ReasonUnknown            Reason = 0
	ReasonMemAccess          Reason = 1
	ReasonWriteCtrlReg       Reason = 4
	ReasonMovToMsr           Reason = 5
	ReasonSoftwareBreakpoint Reason = 6
	ReasonSingleStep         Reason = 7
	ReasonGuestRequest       Reason = 8
	ReasonInterrupt          Reason = 12
)

func (r Reason) String() string {
	switch r {
	case ReasonMemAccess:
		return "MemAccess"
	case ReasonWriteCtrlReg:
		return "WriteCtrlReg"
	case ReasonMovToMsr:
		return "MovToMsr"
	case ReasonSoftwareBreakpoint:
		return "SoftwareBreakpoint"
	case ReasonSingleStep:
		return "SingleStep"
	case ReasonGuestRequest:
		return "GuestRequest"
	case ReasonInterrupt:
		return "Interrupt"
	default:
		return fmt.Sprintf("Reason(%d)", uint32(r))
	}
}

// Flags are the generic request/response flags.
type Flags uint32

const (
	FlagVCPUPaused       Flags = 1 << 0
	FlagForeign          Flags = 1 << 1
	FlagEmulate          Flags = 1 << 2
	FlagEmulateNoWrite   Flags = 1 << 3
	FlagToggleSingleStep Flags = 1 << 4
	FlagSetEmulReadData  Flags = 1 << 5
	FlagDeny             Flags = 1 << 6
	FlagAlternateP2M     Flags = 1 << 7
	FlagSetRegisters     Flags = 1 << 8
	FlagSetEmulInsnData  Flags = 1 << 9
	FlagGetNextInterrupt Flags = 1 << 10
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// MemAccessFlags qualify a memory access violation.
type MemAccessFlags uint32

const (
	MemAccessR            MemAccessFlags = 1 << 0
	MemAccessW            MemAccessFlags = 1 << 1
	MemAccessX            MemAccessFlags = 1 << 2
	MemAccessGLAValid     MemAccessFlags = 1 << 3
	MemAccessFaultWithGLA MemAccessFlags = 1 << 4
	MemAccessFaultInGPT   MemAccessFlags = 1 << 5
)

// CtrlRegIndex is the wire index of a monitored control register.
type CtrlRegIndex uint32

const (
	CtrlRegCR0  CtrlRegIndex = 0
	CtrlRegCR3  CtrlRegIndex = 1
	CtrlRegCR4  CtrlRegIndex = 2
	CtrlRegXCR0 CtrlRegIndex = 3
)

// Number maps the wire index to the architectural register number. XCR0
// and unknown indices report false.
func (i CtrlRegIndex) Number() (int, bool) {
	switch i {
	case CtrlRegCR0:
		return 0, true
	case CtrlRegCR3:
		return 3, true
	case CtrlRegCR4:
		return 4, true
	default:
		return 0, false
	}
}

// IndexForCR is the inverse of Number.
func IndexForCR(cr int) (CtrlRegIndex, bool) {
	switch cr {
	case 0:
		return CtrlRegCR0, true
	case 3:
		return CtrlRegCR3, true
	case 4:
		return CtrlRegCR4, true
	default:
		return 0, false
	}
}

// Request is a decoded ring request. It is a copy; the ring slot may be
// reused once it has been taken.
type Request struct {
	Version   uint32
	Flags     Flags
	Reason    Reason
	VCPU      uint32
	Altp2mIdx uint16
	Payload   Payload
	Regs      regs.WireX86
}

// Response is the reply to exactly one Request.
type Response struct {
	Version   uint32
	Flags     Flags
	Reason    Reason
	VCPU      uint32
	Altp2mIdx uint16
	Payload   Payload
	Regs      regs.WireX86

	// EmulReadData replaces Regs on the wire when FlagSetEmulReadData is
	// set. At most MaxEmulReadData bytes.
	EmulReadData []byte
}

// NewResponse returns the default reply to req: identity fields, register
// snapshot and payload echoed, the alternate view bit cleared.
func NewResponse(req *Request, version uint32) Response {
	return Response{
		Version:   version,
		Flags:     req.Flags &^ FlagAlternateP2M,
		Reason:    req.Reason,
		VCPU:      req.VCPU,
		Altp2mIdx: req.Altp2mIdx,
		Payload:   req.Payload,
		Regs:      req.Regs,
	}
}
