package regs

// Width selects the vcpu context layout exposed by the hypervisor.
type Width int

const (
	Width64 Width = 64
	Width32 Width = 32
)

// UserRegs64 is the writable user register block of a 64-bit vcpu context.
type UserRegs64 struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RFlags             uint64
	RIP                uint64
}

// UserRegs32 is the writable user register block of a 32-bit vcpu context.
type UserRegs32 struct {
	EAX, ECX, EDX, EBX uint32
	ESP, EBP, ESI, EDI uint32
	EFlags             uint32
	EIP                uint32
}

// VcpuContext is the vcpu context as read from and written back to the
// hypervisor. Only the block matching Width is meaningful.
type VcpuContext struct {
	Width  Width
	User64 UserRegs64
	User32 UserRegs32
}

// Apply copies the general purpose registers and flags from r into the
// context. RIP is copied only when setRIP is true. On 32-bit contexts the
// upper halves and R8-R15 are dropped.
func (c *VcpuContext) Apply(r Registers, setRIP bool) {
	if c.Width == Width32 {
		u := &c.User32
		u.EAX, u.ECX, u.EDX, u.EBX = uint32(r.RAX), uint32(r.RCX), uint32(r.RDX), uint32(r.RBX)
		u.ESP, u.EBP, u.ESI, u.EDI = uint32(r.RSP), uint32(r.RBP), uint32(r.RSI), uint32(r.RDI)
		u.EFlags = uint32(r.RFlags)
		if setRIP {
			u.EIP = uint32(r.RIP)
		}
		return
	}

	u := &c.User64
	u.RAX, u.RCX, u.RDX, u.RBX = r.RAX, r.RCX, r.RDX, r.RBX
	u.RSP, u.RBP, u.RSI, u.RDI = r.RSP, r.RBP, r.RSI, r.RDI
	u.R8, u.R9, u.R10, u.R11 = r.R8, r.R9, r.R10, r.R11
	u.R12, u.R13, u.R14, u.R15 = r.R12, r.R13, r.R14, r.R15
	u.RFlags = r.RFlags
	if setRIP {
		u.RIP = r.RIP
	}
}

// General returns the general purpose registers held by the context.
func (c VcpuContext) General() Registers {
	if c.Width == Width32 {
		u := c.User32
		return Registers{
			RAX: uint64(u.EAX), RCX: uint64(u.ECX), RDX: uint64(u.EDX), RBX: uint64(u.EBX),
			RSP: uint64(u.ESP), RBP: uint64(u.EBP), RSI: uint64(u.ESI), RDI: uint64(u.EDI),
			RFlags: uint64(u.EFlags), RIP: uint64(u.EIP),
		}
	}
	u := c.User64
	return Registers{
		RAX: u.RAX, RCX: u.RCX, RDX: u.RDX, RBX: u.RBX,
		RSP: u.RSP, RBP: u.RBP, RSI: u.RSI, RDI: u.RDI,
		R8: u.R8, R9: u.R9, R10: u.R10, R11: u.R11,
		R12: u.R12, R13: u.R13, R14: u.R14, R15: u.R15,
		RFlags: u.RFlags, RIP: u.RIP,
	}
}
