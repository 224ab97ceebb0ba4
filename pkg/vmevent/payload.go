package vmevent

import "github.com/petrepircalabu/libbdvmi/internal/platform"

// Payload is the reason-specific part of a request. The concrete type is
// selected by Reason.
type Payload interface {
	Reason() Reason
	encode(b []byte)
}

// MemAccess describes a memory access violation.
type MemAccess struct {
	GFN    uint64
	Offset uint64
	GLA    uint64
	Flags  MemAccessFlags
}

func (MemAccess) Reason() Reason { return ReasonMemAccess }

// GPA is the faulting guest physical address.
func (m MemAccess) GPA() uint64 { return m.GFN<<platform.PageShift + m.Offset }

// LinearAddress returns the guest linear address when the hypervisor
// supplied one.
func (m MemAccess) LinearAddress() (uint64, bool) {
	return m.GLA, m.Flags&MemAccessGLAValid != 0
}

func (m MemAccess) Read() bool    { return m.Flags&MemAccessR != 0 }
func (m MemAccess) Write() bool   { return m.Flags&MemAccessW != 0 }
func (m MemAccess) Execute() bool { return m.Flags&MemAccessX != 0 }

// FaultInGPT reports that the violation happened while walking guest page
// tables; the guest will take its own fault.
func (m MemAccess) FaultInGPT() bool { return m.Flags&MemAccessFaultInGPT != 0 }

func (m MemAccess) encode(b []byte) {
	le.PutUint64(b[0:], m.GFN)
	le.PutUint64(b[8:], m.Offset)
	le.PutUint64(b[16:], m.GLA)
	le.PutUint32(b[24:], uint32(m.Flags))
}

// WriteCtrlReg describes a control register write.
type WriteCtrlReg struct {
	Index    CtrlRegIndex
	NewValue uint64
	OldValue uint64
}

func (WriteCtrlReg) Reason() Reason { return ReasonWriteCtrlReg }

func (w WriteCtrlReg) encode(b []byte) {
	le.PutUint32(b[0:], uint32(w.Index))
	le.PutUint64(b[8:], w.NewValue)
	le.PutUint64(b[16:], w.OldValue)
}

// MovToMsr describes an MSR write. OldValue is only carried by interface
// versions above 2.
type MovToMsr struct {
	MSR         uint64
	NewValue    uint64
	OldValue    uint64
	HasOldValue bool
}

func (MovToMsr) Reason() Reason { return ReasonMovToMsr }

func (m MovToMsr) encode(b []byte) {
	le.PutUint64(b[0:], m.MSR)
	le.PutUint64(b[8:], m.NewValue)
	le.PutUint64(b[16:], m.OldValue)
}

// SoftwareBreakpoint describes an int3 trap.
type SoftwareBreakpoint struct {
	GFN        uint64
	InsnLength uint32
}

func (SoftwareBreakpoint) Reason() Reason { return ReasonSoftwareBreakpoint }

func (s SoftwareBreakpoint) encode(b []byte) {
	le.PutUint64(b[0:], s.GFN)
	le.PutUint32(b[8:], s.InsnLength)
}

// SingleStep describes a single-step trap.
type SingleStep struct {
	GFN uint64
}

func (SingleStep) Reason() Reason { return ReasonSingleStep }

func (s SingleStep) encode(b []byte) { le.PutUint64(b[0:], s.GFN) }

// GuestRequest is a hypercall issued by the guest. Arguments are in the
// register snapshot.
type GuestRequest struct{}

func (GuestRequest) Reason() Reason { return ReasonGuestRequest }

func (GuestRequest) encode([]byte) {}

// Interrupt describes an intercepted interrupt or exception.
type Interrupt struct {
	Vector    uint32
	Type      uint32
	ErrorCode uint32
	CR2       uint64
}

func (Interrupt) Reason() Reason { return ReasonInterrupt }

func (i Interrupt) encode(b []byte) {
	le.PutUint32(b[0:], i.Vector)
	le.PutUint32(b[4:], i.Type)
	le.PutUint32(b[8:], i.ErrorCode)
	le.PutUint64(b[16:], i.CR2)
}

// Unknown keeps the raw union of a reason this package does not decode.
type Unknown struct {
	Code Reason
	Raw  [unionSize]byte
}

func (u Unknown) Reason() Reason { return u.Code }

func (u Unknown) encode(b []byte) { copy(b, u.Raw[:]) }

func decodePayload(reason Reason, version uint32, b []byte) Payload {
	switch reason {
	case ReasonMemAccess:
		return MemAccess{
			GFN:    le.Uint64(b[0:]),
			Offset: le.Uint64(b[8:]),
			GLA:    le.Uint64(b[16:]),
			Flags:  MemAccessFlags(le.Uint32(b[24:])),
		}
	case ReasonWriteCtrlReg:
		return WriteCtrlReg{
			Index:    CtrlRegIndex(le.Uint32(b[0:])),
			NewValue: le.Uint64(b[8:]),
			OldValue: le.Uint64(b[16:]),
		}
	case ReasonMovToMsr:
		m := MovToMsr{MSR: le.Uint64(b[0:]), NewValue: le.Uint64(b[8:])}
		if version > 2 {
			m.OldValue = le.Uint64(b[16:])
			m.HasOldValue = true
		}
		return m
	case ReasonSoftwareBreakpoint:
		return SoftwareBreakpoint{GFN: le.Uint64(b[0:]), InsnLength: le.Uint32(b[8:])}
	case ReasonSingleStep:
		return SingleStep{GFN: le.Uint64(b[0:])}
	case ReasonGuestRequest:
		return GuestRequest{}
	case ReasonInterrupt:
		return Interrupt{
			Vector:    le.Uint32(b[0:]),
			Type:      le.Uint32(b[4:]),
			ErrorCode: le.Uint32(b[8:]),
			CR2:       le.Uint64(b[16:]),
		}
	default:
		u := Unknown{Code: reason}
		copy(u.Raw[:], b)
		return u
	}
}
