// Package policy tracks which control registers and MSRs are currently
// trapped for a guest and translates changes into monitor calls.
package policy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// cr4PGE is masked out of CR4 write events so global page toggles are not
// reported.
const cr4PGE = 0x80

// ErrInvalidCR is returned for control registers that cannot be trapped.
var ErrInvalidCR = errors.New("policy: unsupported control register")

// Monitor is the part of the control binding the policy state drives.
type Monitor interface {
	MonitorWriteCtrlReg(dom xen.DomID, index vmevent.CtrlRegIndex, enable, sync bool, bitmask uint64, onChangeOnly bool) error
	MonitorMovToMsr(dom xen.DomID, msr uint32, enable bool) error
}

// State is the interception policy of one guest. It is not safe for
// concurrent use.
type State struct {
	mon    Monitor
	dom    xen.DomID
	logger *log.Logger

	crs      map[int]struct{}
	msrs     map[uint32]struct{}
	xsetbv   bool
	msrCache map[uint32]map[uint32]uint64
}

// New returns an empty policy for dom.
func New(mon Monitor, dom xen.DomID, logger *log.Logger) *State {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &State{
		mon:      mon,
		dom:      dom,
		logger:   logger,
		crs:      make(map[int]struct{}),
		msrs:     make(map[uint32]struct{}),
		msrCache: make(map[uint32]map[uint32]uint64),
	}
}

// EnableCR traps writes to cr, one of 0, 3 or 4. It reports whether the
// trap was already enabled, in which case no monitor call is made.
func (s *State) EnableCR(cr int) (bool, error) { return s.setCR(cr, true) }

// DisableCR removes the trap on cr. It reports whether the trap was
// enabled before the call.
func (s *State) DisableCR(cr int) (bool, error) { return s.setCR(cr, false) }

func (s *State) setCR(cr int, enable bool) (bool, error) {
	index, ok := vmevent.IndexForCR(cr)
	if !ok {
		return false, fmt.Errorf("%w: CR%d", ErrInvalidCR, cr)
	}

	_, was := s.crs[cr]
	if was == enable {
		return was, nil
	}

	var bitmask uint64
	if cr == 4 {
		bitmask = cr4PGE
	}
	if err := s.mon.MonitorWriteCtrlReg(s.dom, index, enable, true, bitmask, true); err != nil {
		s.logger.Printf("[Xen events] could not set up CR%d event handler: %v", cr, err)
		return was, fmt.Errorf("set CR%d events: %w", cr, err)
	}

	if enable {
		s.crs[cr] = struct{}{}
	} else {
		delete(s.crs, cr)
	}
	return was, nil
}

// CREnabled reports whether writes to cr are trapped.
func (s *State) CREnabled(cr int) bool {
	_, ok := s.crs[cr]
	return ok
}

// EnabledCRs returns the trapped control registers in ascending order.
func (s *State) EnabledCRs() []int {
	out := make([]int, 0, len(s.crs))
	for cr := range s.crs {
		out = append(out, cr)
	}
	sort.Ints(out)
	return out
}

// EnableMSR traps writes to msr and reports whether it was already trapped.
func (s *State) EnableMSR(msr uint32) (bool, error) { return s.setMSR(msr, true) }

// DisableMSR removes the trap on msr and reports whether it was trapped.
func (s *State) DisableMSR(msr uint32) (bool, error) { return s.setMSR(msr, false) }

func (s *State) setMSR(msr uint32, enable bool) (bool, error) {
	_, was := s.msrs[msr]
	if was == enable {
		return was, nil
	}
	if err := s.mon.MonitorMovToMsr(s.dom, msr, enable); err != nil {
		return was, fmt.Errorf("set MSR %#x events: %w", msr, err)
	}
	if enable {
		s.msrs[msr] = struct{}{}
	} else {
		delete(s.msrs, msr)
	}
	return was, nil
}

// MSREnabled reports whether writes to msr are trapped.
func (s *State) MSREnabled(msr uint32) bool {
	_, ok := s.msrs[msr]
	return ok
}

// SetXSETBV turns XCR0 write events on or off. The call is always forwarded.
func (s *State) SetXSETBV(enable bool) error {
	if err := s.mon.MonitorWriteCtrlReg(s.dom, vmevent.CtrlRegXCR0, enable, true, 0, true); err != nil {
		return fmt.Errorf("set XSETBV events: %w", err)
	}
	s.xsetbv = enable
	return nil
}

// XSETBVEnabled reports whether XCR0 writes are trapped.
func (s *State) XSETBVEnabled() bool { return s.xsetbv }

// DisableCRs disables every control register trap. All registers are
// attempted; the errors are joined.
func (s *State) DisableCRs() error {
	var errs []error
	for _, cr := range []int{0, 3, 4} {
		if _, err := s.DisableCR(cr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisableAll disables every control register and MSR trap.
func (s *State) DisableAll() error {
	errs := []error{s.DisableCRs()}
	msrs := make([]uint32, 0, len(s.msrs))
	for msr := range s.msrs {
		msrs = append(msrs, msr)
	}
	sort.Slice(msrs, func(i, j int) bool { return msrs[i] < msrs[j] })
	for _, msr := range msrs {
		if _, err := s.DisableMSR(msr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CachedMSR returns the last value seen written to msr on vcpu.
func (s *State) CachedMSR(vcpu, msr uint32) (uint64, bool) {
	v, ok := s.msrCache[vcpu][msr]
	return v, ok
}

// CacheMSR records value as the current content of msr on vcpu.
func (s *State) CacheMSR(vcpu, msr uint32, value uint64) {
	m, ok := s.msrCache[vcpu]
	if !ok {
		m = make(map[uint32]uint64)
		s.msrCache[vcpu] = m
	}
	m[msr] = value
}
