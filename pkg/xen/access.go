package xen

import "fmt"

// String renders a permission as rwx letters.
func (a MemAccess) String() string {
	switch a {
	case AccessN:
		return "---"
	case AccessR:
		return "r--"
	case AccessW:
		return "-w-"
	case AccessRW:
		return "rw-"
	case AccessX:
		return "--x"
	case AccessRX:
		return "r-x"
	case AccessWX:
		return "-wx"
	case AccessRWX:
		return "rwx"
	case AccessRX2RW:
		return "rx2rw"
	case AccessN2RWX:
		return "n2rwx"
	case AccessDefault:
		return "default"
	default:
		return fmt.Sprintf("MemAccess(%d)", uint8(a))
	}
}

// AccessFor builds a permission from read/write/execute bits.
func AccessFor(read, write, execute bool) MemAccess {
	var a MemAccess
	if read {
		a |= AccessR
	}
	if write {
		a |= AccessW
	}
	if execute {
		a |= AccessX
	}
	return a
}
