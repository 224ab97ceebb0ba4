package regs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WireSize is the encoded size of WireX86.
const WireSize = 256

// WireX86 matches struct vm_event_regs_x86 on the shared ring.
type WireX86 struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RFlags uint64
	DR7    uint64
	RIP    uint64

	CR0, CR2, CR3, CR4 uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64
	MsrEFER     uint64
	MsrSTAR     uint64
	MsrLSTAR    uint64
	FSBase      uint64
	GSBase      uint64

	CSArBytes uint32
	_         uint32
}

// Decode reads a WireX86 from the first WireSize bytes of b.
func Decode(b []byte) (WireX86, error) {
	var w WireX86
	if len(b) < WireSize {
		return w, fmt.Errorf("regs: short register block: %d bytes", len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:WireSize]), binary.LittleEndian, &w); err != nil {
		return w, fmt.Errorf("regs: decode: %w", err)
	}
	return w, nil
}

// Encode writes w into the first WireSize bytes of b.
func (w WireX86) Encode(b []byte) error {
	if len(b) < WireSize {
		return fmt.Errorf("regs: short register block: %d bytes", len(b))
	}
	var buf bytes.Buffer
	buf.Grow(WireSize)
	if err := binary.Write(&buf, binary.LittleEndian, &w); err != nil {
		return fmt.Errorf("regs: encode: %w", err)
	}
	copy(b, buf.Bytes())
	return nil
}

// FromWire builds the canonical register set and derives its mode. PAT and
// shadow GS are not carried on the ring and stay zero.
func FromWire(w WireX86) Registers {
	r := Registers{
		RAX: w.RAX, RCX: w.RCX, RDX: w.RDX, RBX: w.RBX,
		RSP: w.RSP, RBP: w.RBP, RSI: w.RSI, RDI: w.RDI,
		R8: w.R8, R9: w.R9, R10: w.R10, R11: w.R11,
		R12: w.R12, R13: w.R13, R14: w.R14, R15: w.R15,

		RIP:    w.RIP,
		RFlags: w.RFlags,

		CR0: w.CR0, CR2: w.CR2, CR3: w.CR3, CR4: w.CR4,

		SysenterCS:  w.SysenterCS,
		SysenterESP: w.SysenterESP,
		SysenterEIP: w.SysenterEIP,
		MsrEFER:     w.MsrEFER,
		MsrSTAR:     w.MsrSTAR,
		MsrLSTAR:    w.MsrLSTAR,
		FSBase:      w.FSBase,
		GSBase:      w.GSBase,

		CSArBytes: w.CSArBytes,
	}
	r.Mode = GuestMode(&r)
	return r
}

// ToWire is the inverse of FromWire for every field the ring carries.
func ToWire(r Registers) WireX86 {
	return WireX86{
		RAX: r.RAX, RCX: r.RCX, RDX: r.RDX, RBX: r.RBX,
		RSP: r.RSP, RBP: r.RBP, RSI: r.RSI, RDI: r.RDI,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,

		RFlags: r.RFlags,
		RIP:    r.RIP,

		CR0: r.CR0, CR2: r.CR2, CR3: r.CR3, CR4: r.CR4,

		SysenterCS:  r.SysenterCS,
		SysenterESP: r.SysenterESP,
		SysenterEIP: r.SysenterEIP,
		MsrEFER:     r.MsrEFER,
		MsrSTAR:     r.MsrSTAR,
		MsrLSTAR:    r.MsrLSTAR,
		FSBase:      r.FSBase,
		GSBase:      r.GSBase,

		CSArBytes: r.CSArBytes,
	}
}

// ApplyGeneral overwrites the general purpose registers, RFLAGS and RIP.
// These are the only fields the hypervisor honours on a set-registers
// response.
func (w *WireX86) ApplyGeneral(r Registers) {
	w.RAX, w.RCX, w.RDX, w.RBX = r.RAX, r.RCX, r.RDX, r.RBX
	w.RSP, w.RBP, w.RSI, w.RDI = r.RSP, r.RBP, r.RSI, r.RDI
	w.R8, w.R9, w.R10, w.R11 = r.R8, r.R9, r.R10, r.R11
	w.R12, w.R13, w.R14, w.R15 = r.R12, r.R13, r.R14, r.R15
	w.RFlags = r.RFlags
	w.RIP = r.RIP
}
