package sim

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/petrepircalabu/libbdvmi/internal/platform"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// EventChannel is a simulated event channel handle backed by a pollable
// notifier.
type EventChannel struct {
	h         *Hypervisor
	notifier  *platform.Notifier
	dom       xen.DomID
	localPort uint32
	bound     bool
	closed    bool
}

// OpenEventChannel implements xen.EventChannels.
func (h *Hypervisor) OpenEventChannel() (xen.EventChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("OpenEventChannel"); err != nil {
		return nil, xen.NewError("OpenEventChannel", err)
	}
	n, err := platform.NewNotifier()
	if err != nil {
		return nil, xen.NewError("OpenEventChannel", err)
	}
	return &EventChannel{h: h, notifier: n}, nil
}

func (e *EventChannel) Fd() int { return e.notifier.Fd() }

func (e *EventChannel) BindInterdomain(dom xen.DomID, remotePort uint32) (uint32, error) {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	d, err := e.h.call("BindInterdomain", dom, remotePort)
	if err != nil {
		return 0, err
	}
	if !d.monitoring || d.remotePort != remotePort {
		return 0, xen.NewError("BindInterdomain", syscall.EINVAL)
	}
	e.dom = dom
	e.localPort = e.h.nextPort
	e.h.nextPort++
	e.bound = true
	d.evtchn = e
	return e.localPort, nil
}

func (e *EventChannel) Unbind(port uint32) error {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if err := e.h.record("Unbind", port); err != nil {
		return xen.NewError("Unbind", err)
	}
	if !e.bound || port != e.localPort {
		return xen.NewError("Unbind", syscall.EINVAL)
	}
	e.bound = false
	if d, ok := e.h.domains[e.dom]; ok && d.evtchn == e {
		d.evtchn = nil
	}
	return nil
}

func (e *EventChannel) Pending() (uint32, error) {
	e.h.mu.Lock()
	failure := e.h.record("Pending")
	e.h.mu.Unlock()
	if failure != nil {
		return 0, xen.NewError("Pending", failure)
	}
	if _, err := e.notifier.Drain(); err != nil {
		return 0, xen.NewError("Pending", err)
	}
	return e.localPort, nil
}

func (e *EventChannel) Unmask(port uint32) error {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if err := e.h.record("Unmask", port); err != nil {
		return xen.NewError("Unmask", err)
	}
	return nil
}

func (e *EventChannel) Notify(port uint32) error {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if err := e.h.record("Notify", port); err != nil {
		return xen.NewError("Notify", err)
	}
	if !e.bound || port != e.localPort {
		return xen.NewError("Notify", syscall.EINVAL)
	}
	if d, ok := e.h.domains[e.dom]; ok {
		select {
		case d.kicks <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *EventChannel) Close() error {
	e.h.mu.Lock()
	defer e.h.mu.Unlock()
	if err := e.h.record("CloseEventChannel"); err != nil {
		return xen.NewError("CloseEventChannel", err)
	}
	if e.closed {
		return nil
	}
	e.closed = true
	return e.notifier.Close()
}

// Guest is the hypervisor side of one domain's ring: it raises requests and
// collects the agent's responses.
type Guest struct {
	h   *Hypervisor
	dom xen.DomID
}

// Guest returns the ring producer for dom.
func (h *Hypervisor) Guest(dom xen.DomID) *Guest { return &Guest{h: h, dom: dom} }

// ErrNotMonitored is returned when the domain has no ring.
var ErrNotMonitored = errors.New("sim: domain is not monitored")

// Raise places req on the ring and signals the bound event channel.
func (g *Guest) Raise(req vmevent.Request) error {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	d, ok := g.h.domains[g.dom]
	if !ok || !d.monitoring || d.front == nil {
		return ErrNotMonitored
	}
	var buf [vmevent.EntrySize]byte
	if err := vmevent.MarshalRequest(buf[:], &req); err != nil {
		return err
	}
	if err := d.front.Put(buf[:]); err != nil {
		return err
	}
	if d.evtchn != nil {
		return d.evtchn.notifier.Signal()
	}
	return nil
}

// Responses takes every response published so far.
func (g *Guest) Responses() ([]vmevent.Response, error) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	d, ok := g.h.domains[g.dom]
	if !ok || d.front == nil {
		return nil, ErrNotMonitored
	}
	var out []vmevent.Response
	var buf [vmevent.EntrySize]byte
	for d.front.HasUnconsumedResponses() {
		if err := d.front.Take(buf[:]); err != nil {
			return out, err
		}
		rsp, err := vmevent.UnmarshalResponse(buf[:])
		if err != nil {
			return out, err
		}
		out = append(out, rsp)
	}
	return out, nil
}

// Free returns the number of request slots available to Raise.
func (g *Guest) Free() uint32 {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	d, ok := g.h.domains[g.dom]
	if !ok || d.front == nil {
		return 0
	}
	return d.front.Free()
}

// WaitResponses collects responses until n have arrived or ctx is done.
func (g *Guest) WaitResponses(ctx context.Context, n int) ([]vmevent.Response, error) {
	g.h.mu.Lock()
	d, ok := g.h.domains[g.dom]
	g.h.mu.Unlock()
	if !ok {
		return nil, ErrNotMonitored
	}

	var out []vmevent.Response
	for {
		got, err := g.Responses()
		out = append(out, got...)
		if err != nil {
			return out, err
		}
		if len(out) >= n {
			return out, nil
		}
		select {
		case <-d.kicks:
		case <-ctx.Done():
			return out, fmt.Errorf("waiting for %d responses, got %d: %w", n, len(out), ctx.Err())
		}
	}
}

