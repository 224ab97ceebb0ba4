package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/petrepircalabu/libbdvmi/pkg/driver"
	"github.com/petrepircalabu/libbdvmi/pkg/events"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen/sim"
)

// protectedGFN is the page the trace handler keeps read-only.
const protectedGFN = 0x1000

// traceHandler logs every event and applies a small demo policy: writes to
// protectedGFN are dropped, LSTAR writes are denied and breakpoints in even
// frames are consumed.
type traceHandler struct {
	events.NopHandler
	drv    *driver.Driver
	logger *log.Logger
	counts map[string]int
	over   bool
}

func newTraceHandler(drv *driver.Driver, logger *log.Logger) *traceHandler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &traceHandler{drv: drv, logger: logger, counts: make(map[string]int)}
}

func (h *traceHandler) HandlePageFault(f *events.PageFault) events.PageFaultResult {
	h.counts["page-fault"]++
	if f.Write && f.GPA>>12 == protectedGFN {
		h.drv.SetPageProtection(protectedGFN, true, false, true)
		h.logger.Printf("[simulate] vcpu %d: dropped write to %#x at rip %#x", f.VCPU, f.GPA, f.Regs.RIP)
		return events.PageFaultResult{Action: events.ActionEmulateNoWrite}
	}
	return events.PageFaultResult{}
}

func (h *traceHandler) HandleCR(vcpu uint32, cr int, r *regs.Registers, oldValue, newValue uint64) events.Action {
	h.counts[fmt.Sprintf("cr%d", cr)]++
	return events.ActionNone
}

func (h *traceHandler) HandleMSR(vcpu uint32, msr uint32, oldValue, newValue uint64) events.Action {
	h.counts["msr"]++
	if msr == regs.MsrLSTAR {
		h.logger.Printf("[simulate] vcpu %d: denied LSTAR write %#x -> %#x", vcpu, oldValue, newValue)
		return events.ActionEmulateNoWrite
	}
	return events.ActionNone
}

func (h *traceHandler) HandleVMCALL(vcpu uint32, r *regs.Registers) {
	h.counts["vmcall"]++
	live, err := h.drv.Registers(vcpu)
	if err != nil {
		h.logger.Printf("[simulate] vcpu %d: %v", vcpu, err)
		return
	}
	h.logger.Printf("[simulate] vcpu %d: vmcall rax=%#x mode=%s", vcpu, r.RAX, live.Mode)
}

func (h *traceHandler) HandleBreakpoint(vcpu uint32, r *regs.Registers, gfn uint64) bool {
	h.counts["breakpoint"]++
	return gfn%2 == 0
}

func (h *traceHandler) HandleInterrupt(vcpu uint32, r *regs.Registers, vector, errorCode uint32, cr2 uint64) {
	h.counts["interrupt"]++
}

func (h *traceHandler) HandleXSETBV(vcpu uint32, value uint64) {
	h.counts["xsetbv"]++
}

func (h *traceHandler) HandleSessionOver(guestStillRunning bool) {
	h.over = true
}

// Summary lists the event counts in name order.
func (h *traceHandler) Summary() string {
	names := make([]string, 0, len(h.counts))
	for name := range h.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %d\n", name, h.counts[name])
	}
	fmt.Fprintf(&b, "session over: %t\n", h.over)
	return b.String()
}

// syntheticRequest returns the i-th event of the demo workload.
func syntheticRequest(i int, vcpus uint32, altp2m bool) vmevent.Request {
	req := vmevent.Request{
		Version: vmevent.InterfaceVersion,
		Flags:   vmevent.FlagVCPUPaused,
		VCPU:    uint32(i) % vcpus,
		Regs: regs.WireX86{
			RIP:       0xfffff80000100000 + uint64(i)*4,
			RAX:       uint64(i),
			CR0:       0x80050033,
			CR3:       0x1aa000,
			MsrEFER:   0xd01,
			CSArBytes: 0xa9b,
		},
	}

	kinds := 7
	if altp2m {
		kinds = 8
	}
	switch i % kinds {
	case 0:
		req.Reason = vmevent.ReasonMemAccess
		req.Payload = vmevent.MemAccess{GFN: protectedGFN, Offset: 0x10, Flags: vmevent.MemAccessW}
	case 1:
		req.Reason = vmevent.ReasonMemAccess
		req.Payload = vmevent.MemAccess{GFN: 0x2000 + uint64(i), Flags: vmevent.MemAccessR}
	case 2:
		req.Reason = vmevent.ReasonWriteCtrlReg
		req.Payload = vmevent.WriteCtrlReg{Index: vmevent.CtrlRegCR3, OldValue: 0x1aa000, NewValue: 0x1bb000 + uint64(i)<<12}
	case 3:
		req.Reason = vmevent.ReasonMovToMsr
		req.Payload = vmevent.MovToMsr{MSR: uint64(regs.MsrLSTAR), NewValue: 0xdeadbeef, OldValue: 0xfffff80000001000, HasOldValue: true}
	case 4:
		req.Reason = vmevent.ReasonSoftwareBreakpoint
		req.Payload = vmevent.SoftwareBreakpoint{GFN: uint64(i), InsnLength: 1}
	case 5:
		req.Reason = vmevent.ReasonGuestRequest
		req.Payload = vmevent.GuestRequest{}
	case 6:
		req.Reason = vmevent.ReasonInterrupt
		req.Payload = vmevent.Interrupt{Vector: 14, Type: 3, ErrorCode: 2, CR2: 0x7ff000}
	case 7:
		req.Reason = vmevent.ReasonSingleStep
		req.Flags |= vmevent.FlagAlternateP2M
		req.Payload = vmevent.SingleStep{GFN: uint64(i)}
	}
	return req
}

// driveGuest raises the workload in ring-sized batches and waits for each
// batch to be answered. A non-zero view enables the altp2m workload; the
// returned count is the number of single-step responses that selected it.
func driveGuest(ctx context.Context, guest *sim.Guest, opts simulateOptions, view uint16) (int, error) {
	inView := 0
	for sent := 0; sent < opts.requests; {
		batch := int(guest.Free())
		if batch == 0 {
			return inView, fmt.Errorf("ring has no free slots")
		}
		batch = min(batch, opts.requests-sent)
		for i := 0; i < batch; i++ {
			if err := guest.Raise(syntheticRequest(sent+i, opts.vcpus, view != 0)); err != nil {
				return inView, fmt.Errorf("raise request %d: %w", sent+i, err)
			}
		}
		rsps, err := guest.WaitResponses(ctx, batch)
		if err != nil {
			return inView, err
		}
		for _, rsp := range rsps {
			if rsp.Reason == vmevent.ReasonSingleStep && rsp.Flags.Has(vmevent.FlagAlternateP2M) && rsp.Altp2mIdx == view {
				inView++
			}
		}
		sent += batch
	}
	return inView, nil
}
