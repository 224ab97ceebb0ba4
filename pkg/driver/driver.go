// Package driver holds the per-guest state shared between the event
// dispatcher and the introspection logic: a short-lived register cache,
// staged register writes, pending injections and batched page protection
// changes.
package driver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/petrepircalabu/libbdvmi/pkg/altp2m"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// Control is the part of the control binding a Driver uses.
type Control interface {
	xen.Hypervisor
	xen.DomainControl
	xen.VcpuControl
	xen.MemAccessControl
	xen.Altp2mControl
}

type delayedWrite struct {
	pending bool
	vcpu    uint32
	regs    regs.Registers
}

// Driver is bound to one guest. It is not safe for concurrent use.
type Driver struct {
	ctl    Control
	dom    xen.DomID
	info   xen.DomainInfo
	major  int
	minor  int
	is64   bool
	logger *log.Logger

	cacheOn   bool
	cacheVCPU uint32
	cache     *regs.Registers

	delayed    delayedWrite
	injections map[uint32]struct{}
	protection map[uint64]xen.MemAccess

	views *altp2m.DomainState
}

// New binds a driver to dom. The guest must be an HVM guest. When
// useAltp2m is set altp2m is enabled on the guest and owned by the driver.
func New(ctl Control, dom xen.DomID, useAltp2m bool, logger *log.Logger) (*Driver, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	info, err := ctl.DomainInfo(dom)
	if err != nil {
		return nil, fmt.Errorf("could not get domain %d info: %w", dom, err)
	}
	if !info.HVM {
		return nil, fmt.Errorf("domain %d: %w", dom, xen.ErrNotHVM)
	}

	major, minor, err := ctl.Version()
	if err != nil {
		return nil, fmt.Errorf("could not get hypervisor version: %w", err)
	}
	caps, err := ctl.Capabilities()
	if err != nil {
		return nil, fmt.Errorf("could not get hypervisor capabilities: %w", err)
	}

	d := &Driver{
		ctl:        ctl,
		dom:        dom,
		info:       info,
		major:      major,
		minor:      minor,
		is64:       strings.Contains(caps, "x86_64"),
		logger:     logger,
		injections: make(map[uint32]struct{}),
		protection: make(map[uint64]xen.MemAccess),
	}

	if useAltp2m {
		views, err := altp2m.NewDomainState(ctl, dom, logger)
		if err != nil {
			return nil, err
		}
		d.views = views
	}
	return d, nil
}

// ID returns the guest id.
func (d *Driver) ID() xen.DomID { return d.dom }

// Version returns the hypervisor version.
func (d *Driver) Version() (major, minor int) { return d.major, d.minor }

// CPUCount returns the number of vcpus.
func (d *Driver) CPUCount() uint32 { return d.info.VCPUs() }

// Pause pauses the guest.
func (d *Driver) Pause() error { return d.ctl.PauseDomain(d.dom) }

// Unpause resumes the guest.
func (d *Driver) Unpause() error { return d.ctl.UnpauseDomain(d.dom) }

// Shutdown asks the hypervisor to shut the guest down.
func (d *Driver) Shutdown(reason int) error { return d.ctl.ShutdownDomain(d.dom, reason) }

// MaxGPFN returns the highest guest frame number.
func (d *Driver) MaxGPFN() (uint64, error) { return d.ctl.MaximumGPFN(d.dom) }

// Altp2m returns the view manager, nil when altp2m is not in use.
func (d *Driver) Altp2m() *altp2m.DomainState { return d.views }

// Altp2mViewID returns the active view, 0 when altp2m is not in use.
func (d *Driver) Altp2mViewID() uint16 {
	if d.views == nil {
		return 0
	}
	return d.views.CurrentView()
}

// EnableCache starts caching register reads of vcpu until DisableCache.
func (d *Driver) EnableCache(vcpu uint32) {
	d.cacheOn = true
	d.cacheVCPU = vcpu
	d.cache = nil
}

// DisableCache drops the register cache.
func (d *Driver) DisableCache() {
	d.cacheOn = false
	d.cache = nil
}

// Registers reads the full register set of vcpu, MSRs included.
func (d *Driver) Registers(vcpu uint32) (regs.Registers, error) {
	if d.cacheOn && d.cacheVCPU == vcpu && d.cache != nil {
		return *d.cache, nil
	}
	r, err := d.ctl.HVMRegisters(d.dom, vcpu)
	if err != nil {
		return regs.Registers{}, fmt.Errorf("read vcpu %d registers: %w", vcpu, err)
	}
	r.Mode = regs.GuestMode(&r)
	if d.cacheOn && d.cacheVCPU == vcpu {
		cached := r
		d.cache = &cached
	}
	return r, nil
}

// MSR reads msr from vcpu. MSRs outside the known set read as zero, as
// does any MSR when the registers cannot be read.
func (d *Driver) MSR(vcpu, msr uint32) uint64 {
	r, err := d.Registers(vcpu)
	if err != nil {
		d.logger.Printf("[driver] warning: %v", err)
		return 0
	}
	v, _ := r.MSR(msr)
	return v
}

// SetRegisters writes the general purpose registers of vcpu. With delay
// set the write is staged and applied by the next response instead, which
// is the only way to change registers of a vcpu paused in an event.
func (d *Driver) SetRegisters(vcpu uint32, r regs.Registers, setRIP, delay bool) error {
	if delay {
		d.delayed = delayedWrite{pending: true, vcpu: vcpu, regs: r}
		if d.cache != nil && d.cacheVCPU == vcpu {
			d.cache = nil
		}
		return nil
	}

	ctx, err := d.ctl.VcpuContext(d.dom, vcpu)
	if err != nil {
		return fmt.Errorf("xc_vcpu_getcontext() failed: %w", err)
	}
	if d.is64 {
		ctx.Width = regs.Width64
	} else {
		ctx.Width = regs.Width32
	}
	ctx.Apply(r, setRIP)
	if err := d.ctl.SetVcpuContext(d.dom, vcpu, ctx); err != nil {
		return fmt.Errorf("xc_vcpu_setcontext() failed: %w", err)
	}
	if d.cache != nil && d.cacheVCPU == vcpu {
		d.cache = nil
	}
	return nil
}

// TakeDelayedWrite returns and clears the staged register write.
func (d *Driver) TakeDelayedWrite() (regs.Registers, bool) {
	if !d.delayed.pending {
		return regs.Registers{}, false
	}
	r := d.delayed.regs
	d.delayed = delayedWrite{}
	return r, true
}

// InjectTrap injects a trap into vcpu and marks an injection as pending so
// the next response on that vcpu asks for the following interrupt.
func (d *Driver) InjectTrap(vcpu uint32, trap xen.Trap) error {
	if err := d.ctl.InjectTrap(d.dom, vcpu, trap); err != nil {
		return fmt.Errorf("inject trap %d into vcpu %d: %w", trap.Vector, vcpu, err)
	}
	d.injections[vcpu] = struct{}{}
	return nil
}

// PendingInjection reports whether an injection is pending on vcpu.
func (d *Driver) PendingInjection(vcpu uint32) bool {
	_, ok := d.injections[vcpu]
	return ok
}

// ClearInjection clears the pending marker of vcpu.
func (d *Driver) ClearInjection(vcpu uint32) { delete(d.injections, vcpu) }

// ReinjectBreakpoint delivers the int3 the guest executed back to it.
func (d *Driver) ReinjectBreakpoint(vcpu uint32) error {
	return d.ctl.InjectTrap(d.dom, vcpu, xen.Trap{
		Vector:     xen.VectorBreakpoint,
		Type:       xen.TrapTypeSWException,
		ErrorCode:  ^uint32(0),
		InsnLength: 1,
	})
}

// SetPageProtection stages a permission change for gfn. Staged changes are
// applied by FlushPageProtections.
func (d *Driver) SetPageProtection(gfn uint64, read, write, execute bool) {
	d.protection[gfn] = xen.AccessFor(read, write, execute)
}

// PendingPageProtections returns the number of staged changes.
func (d *Driver) PendingPageProtections() int { return len(d.protection) }

// FlushPageProtections applies every staged change in one batched call,
// into the active alternate view if there is one.
func (d *Driver) FlushPageProtections() error {
	if len(d.protection) == 0 {
		return nil
	}
	pages := make([]xen.PageAccess, 0, len(d.protection))
	for gfn, access := range d.protection {
		pages = append(pages, xen.PageAccess{GFN: gfn, Access: access})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].GFN < pages[j].GFN })
	clear(d.protection)

	var err error
	if view := d.Altp2mViewID(); view != 0 {
		err = d.ctl.Altp2mSetMemAccessMulti(d.dom, view, pages)
	} else {
		err = d.ctl.SetMemAccessMulti(d.dom, pages)
	}
	if err != nil {
		return fmt.Errorf("flush %d page protections: %w", len(pages), err)
	}
	return nil
}

// PageProtection returns the host p2m permissions of gfn.
func (d *Driver) PageProtection(gfn uint64) (read, write, execute bool, err error) {
	a, err := d.ctl.GetMemAccess(d.dom, gfn)
	if err != nil {
		return false, false, false, err
	}
	if a == xen.AccessDefault || a == xen.AccessRX2RW || a == xen.AccessN2RWX {
		return true, true, true, nil
	}
	return a&xen.AccessR != 0, a&xen.AccessW != 0, a&xen.AccessX != 0, nil
}

// Close releases altp2m; the guest returns to the host p2m.
func (d *Driver) Close() error {
	var errs []error
	if d.views != nil {
		if err := d.views.SwitchToView(0); err != nil {
			errs = append(errs, err)
		}
		if err := d.views.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
