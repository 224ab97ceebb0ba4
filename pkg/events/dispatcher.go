package events

import (
	"io"
	"log"
	"time"

	"github.com/petrepircalabu/libbdvmi/pkg/policy"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
)

// Stat names reported to a StatsSink.
const (
	StatEventCount         = "eventCount"
	StatEventsMemAccess    = "eventsMemAccess"
	StatEventsSingleStep   = "eventsSingleStep"
	StatEventsWriteCtrlReg = "eventsWriteCtrlReg"
	StatEventsMovToMsr     = "eventsMovToMsr"
	StatEventsGuestRequest = "eventsGuestRequest"
	StatEventsBreakPoint   = "eventsBreakPoint"
	StatEventsInterrupt    = "eventsInterrupt"
)

// StatsSink counts processed events.
type StatsSink interface {
	IncStat(name string)
}

// DispatchObserver is an optional extension of StatsSink that receives the
// time spent on each request.
type DispatchObserver interface {
	ObserveDispatch(reason string, elapsed time.Duration)
}

// Driver is the per-guest state the dispatcher consults.
type Driver interface {
	EnableCache(vcpu uint32)
	DisableCache()
	MSR(vcpu, msr uint32) uint64
	TakeDelayedWrite() (regs.Registers, bool)
	PendingInjection(vcpu uint32) bool
	ClearInjection(vcpu uint32)
	ReinjectBreakpoint(vcpu uint32) error
	FlushPageProtections() error
	Altp2mViewID() uint16
}

// Dispatcher turns one request into one response.
type Dispatcher struct {
	drv       Driver
	policy    *policy.State
	handler   Handler
	stats     StatsSink
	useAltp2m bool
	version   uint32
	logger    *log.Logger
}

// NewDispatcher returns a dispatcher with no handler installed.
func NewDispatcher(drv Driver, pol *policy.State, useAltp2m bool, version uint32, stats StatsSink, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if version == 0 {
		version = vmevent.InterfaceVersion
	}
	return &Dispatcher{
		drv:       drv,
		policy:    pol,
		stats:     stats,
		useAltp2m: useAltp2m,
		version:   version,
		logger:    logger,
	}
}

// SetHandler installs h. nil processes events without judgment.
func (d *Dispatcher) SetHandler(h Handler) { d.handler = h }

// Handler returns the installed handler.
func (d *Dispatcher) Handler() Handler { return d.handler }

func (d *Dispatcher) inc(name string) {
	if d.stats != nil {
		d.stats.IncStat(name)
	}
}

// Dispatch classifies req, consults the handler and builds the response.
func (d *Dispatcher) Dispatch(req *vmevent.Request) vmevent.Response {
	start := time.Now()
	d.inc(StatEventCount)

	rsp := vmevent.NewResponse(req, d.version)
	h := d.handler

	d.drv.EnableCache(req.VCPU)
	if h != nil {
		h.RunPreEvent()
	}

	switch p := req.Payload.(type) {
	case vmevent.MemAccess:
		d.memAccess(h, req, p, &rsp)
	case vmevent.SingleStep:
		d.inc(StatEventsSingleStep)
		if d.useAltp2m {
			rsp.Flags |= vmevent.FlagAlternateP2M | vmevent.FlagToggleSingleStep
			rsp.Altp2mIdx = d.drv.Altp2mViewID()
		}
	case vmevent.WriteCtrlReg:
		d.writeCtrlReg(h, req, p, &rsp)
	case vmevent.MovToMsr:
		d.movToMsr(h, req, p, &rsp)
	case vmevent.GuestRequest:
		d.inc(StatEventsGuestRequest)
		if h != nil {
			r := regs.FromWire(req.Regs)
			h.HandleVMCALL(req.VCPU, &r)
		}
	case vmevent.SoftwareBreakpoint:
		d.breakpoint(h, req, p)
	case vmevent.Interrupt:
		d.inc(StatEventsInterrupt)
		if h != nil {
			r := regs.FromWire(req.Regs)
			h.HandleInterrupt(req.VCPU, &r, p.Vector, p.ErrorCode, p.CR2)
		}
	}

	if w, ok := d.drv.TakeDelayedWrite(); ok {
		// Emulated read data occupies the register block on the wire.
		if rsp.Flags.Has(vmevent.FlagSetEmulReadData) {
			d.logger.Printf("[Xen events] warning: dropping delayed register write on vcpu %d, response carries emulated read data", req.VCPU)
		} else {
			rsp.Regs.ApplyGeneral(w)
			rsp.Flags |= vmevent.FlagSetRegisters
		}
	}
	if err := d.drv.FlushPageProtections(); err != nil {
		d.logger.Printf("[Xen events] error: %v", err)
	}

	if h != nil {
		h.RunPostEvent()
	}
	d.drv.DisableCache()

	if d.drv.PendingInjection(req.VCPU) {
		rsp.Flags |= vmevent.FlagGetNextInterrupt
		d.drv.ClearInjection(req.VCPU)
	}

	if o, ok := d.stats.(DispatchObserver); ok {
		o.ObserveDispatch(req.Reason.String(), time.Since(start))
	}
	return rsp
}

func (d *Dispatcher) memAccess(h Handler, req *vmevent.Request, p vmevent.MemAccess, rsp *vmevent.Response) {
	d.inc(StatEventsMemAccess)
	rsp.Flags |= vmevent.FlagEmulate

	if h == nil || p.FaultInGPT() {
		return
	}

	r := regs.FromWire(req.Regs)
	f := PageFault{
		VCPU:    req.VCPU,
		Regs:    &r,
		GPA:     p.GPA(),
		Read:    p.Read(),
		Write:   p.Write(),
		Execute: p.Execute(),
	}
	if gla, ok := p.LinearAddress(); ok {
		f.GVA = gla
	}

	res := h.HandlePageFault(&f)
	switch res.Action {
	case ActionEmulateNoWrite:
		rsp.Flags |= vmevent.FlagEmulateNoWrite
	case ActionSkipInstruction:
		rsp.Regs.RIP = req.Regs.RIP + uint64(res.InstructionSize)
		rsp.Flags |= vmevent.FlagSetRegisters
		rsp.Flags &^= vmevent.FlagEmulate
	case ActionAllowVirtual:
		rsp.Flags &^= vmevent.FlagEmulate
	case ActionEmulateSetContext:
		data := res.ReadData
		if len(data) > vmevent.MaxEmulReadData {
			d.logger.Printf("[Xen events] warning: emulated read data truncated from %d to %d bytes", len(data), vmevent.MaxEmulReadData)
			data = data[:vmevent.MaxEmulReadData]
		}
		rsp.EmulReadData = data
		rsp.Flags |= vmevent.FlagSetEmulReadData
	default:
		if d.useAltp2m && req.Flags&vmevent.FlagAlternateP2M != 0 {
			rsp.Flags = (req.Flags | vmevent.FlagToggleSingleStep) &^ vmevent.FlagEmulate
			rsp.Altp2mIdx = 0
		}
	}
}

func (d *Dispatcher) writeCtrlReg(h Handler, req *vmevent.Request, p vmevent.WriteCtrlReg, rsp *vmevent.Response) {
	d.inc(StatEventsWriteCtrlReg)

	if p.Index == vmevent.CtrlRegXCR0 {
		if h != nil {
			h.HandleXSETBV(req.VCPU, p.NewValue)
		}
		return
	}
	if h == nil {
		return
	}

	cr, ok := p.Index.Number()
	if !ok {
		cr = 3
	}
	r := regs.FromWire(req.Regs)
	if h.HandleCR(req.VCPU, cr, &r, p.OldValue, p.NewValue).denies() {
		rsp.Flags |= vmevent.FlagDeny
	}
}

func (d *Dispatcher) movToMsr(h Handler, req *vmevent.Request, p vmevent.MovToMsr, rsp *vmevent.Response) {
	d.inc(StatEventsMovToMsr)
	if h == nil {
		return
	}

	msr := uint32(p.MSR)
	oldValue := p.OldValue
	if !p.HasOldValue {
		if v, ok := d.policy.CachedMSR(req.VCPU, msr); ok {
			oldValue = v
		} else {
			oldValue = d.drv.MSR(req.VCPU, msr)
		}
	}

	if h.HandleMSR(req.VCPU, msr, oldValue, p.NewValue).denies() {
		rsp.Flags |= vmevent.FlagDeny
	} else if !p.HasOldValue {
		d.policy.CacheMSR(req.VCPU, msr, p.NewValue)
	}
}

func (d *Dispatcher) breakpoint(h Handler, req *vmevent.Request, p vmevent.SoftwareBreakpoint) {
	d.inc(StatEventsBreakPoint)

	handled := false
	if h != nil {
		r := regs.FromWire(req.Regs)
		handled = h.HandleBreakpoint(req.VCPU, &r, p.GFN)
	}
	if handled {
		return
	}

	if err := d.drv.ReinjectBreakpoint(req.VCPU); err != nil {
		d.logger.Printf("[Xen events] error: could not reinject breakpoint: %v", err)
		return
	}
	d.logger.Printf("[Xen events] warning: reinjecting breakpoint (VCPU: %d, GFN: %#x, RIP: %#x)", req.VCPU, p.GFN, req.Regs.RIP)
}
