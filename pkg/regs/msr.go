package regs

// MSR numbers the core knows about.
const (
	MsrSysenterCS  uint32 = 0x00000174
	MsrSysenterESP uint32 = 0x00000175
	MsrSysenterEIP uint32 = 0x00000176
	MsrMiscEnable  uint32 = 0x000001a0
	MsrPAT         uint32 = 0x00000277
	MsrMC0Ctl      uint32 = 0x00000400

	MsrEFER     uint32 = 0xc0000080
	MsrSTAR     uint32 = 0xc0000081
	MsrLSTAR    uint32 = 0xc0000082
	MsrFSBase   uint32 = 0xc0000100
	MsrGSBase   uint32 = 0xc0000101
	MsrShadowGS uint32 = 0xc0000102
)

// MSR returns the value of msr from the register set. The second result is
// false for MSRs the set does not carry; their value is reported as zero.
func (r *Registers) MSR(msr uint32) (uint64, bool) {
	switch msr {
	case MsrSysenterCS:
		return r.SysenterCS, true
	case MsrSysenterESP:
		return r.SysenterESP, true
	case MsrSysenterEIP:
		return r.SysenterEIP, true
	case MsrEFER:
		return r.MsrEFER, true
	case MsrSTAR:
		return r.MsrSTAR, true
	case MsrLSTAR:
		return r.MsrLSTAR, true
	case MsrFSBase:
		return r.FSBase, true
	case MsrGSBase:
		return r.GSBase, true
	case MsrPAT:
		return r.MsrPAT, true
	case MsrShadowGS:
		return r.ShadowGS, true
	default:
		return 0, false
	}
}
