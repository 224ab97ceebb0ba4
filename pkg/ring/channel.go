package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// Control is the part of the control binding a Channel needs.
type Control interface {
	xen.Monitor
	xen.EventChannels
}

// Recorder receives every raw request entry before it is decoded.
type Recorder interface {
	RecordRequest(vcpu uint32, raw []byte) error
}

// Channel owns the mapped ring page and the bound event channel of one
// monitored guest.
type Channel struct {
	ctl    Control
	dom    xen.DomID
	page   []byte
	evtchn xen.EventChannel
	port   uint32
	back   *BackRing
	rec    Recorder
	logger *log.Logger

	buf    [vmevent.EntrySize]byte
	closed bool
}

// Open enables monitoring on dom, opens an event channel and binds it to
// the ring's remote port. On failure every resource acquired so far is
// released.
func Open(ctl Control, dom xen.DomID, logger *log.Logger) (*Channel, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	page, remotePort, err := ctl.EnableMonitor(dom)
	if err != nil {
		return nil, xen.MonitorEnableError(err)
	}

	c := &Channel{ctl: ctl, dom: dom, page: page, logger: logger}

	evtchn, err := ctl.OpenEventChannel()
	if err != nil {
		c.release()
		return nil, fmt.Errorf("open event channel: %w", err)
	}
	c.evtchn = evtchn

	port, err := evtchn.BindInterdomain(dom, remotePort)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("bind event channel to port %d: %w", remotePort, err)
	}
	c.port = port

	if err := InitShared(page); err != nil {
		c.release()
		return nil, err
	}
	back, err := NewBackRing(page)
	if err != nil {
		c.release()
		return nil, err
	}
	c.back = back
	return c, nil
}

// SetRecorder installs a tap that sees every raw request. nil removes it.
func (c *Channel) SetRecorder(rec Recorder) { c.rec = rec }

// Fd returns the pollable event channel descriptor.
func (c *Channel) Fd() int {
	if c.closed || c.evtchn == nil {
		return -1
	}
	return c.evtchn.Fd()
}

// Port returns the local event channel port.
func (c *Channel) Port() uint32 { return c.port }

// HasUnconsumedRequests reports whether TakeRequest would succeed.
func (c *Channel) HasUnconsumedRequests() bool {
	return !c.closed && c.back.HasUnconsumedRequests()
}

// TakeRequest pops the oldest request. Callers check HasUnconsumedRequests
// first; an empty ring yields ErrRingEmpty.
func (c *Channel) TakeRequest() (vmevent.Request, error) {
	if c.closed {
		return vmevent.Request{}, ErrClosed
	}
	if err := c.back.Take(c.buf[:]); err != nil {
		return vmevent.Request{}, err
	}
	if c.rec != nil {
		vcpu := binary.LittleEndian.Uint32(c.buf[12:])
		if err := c.rec.RecordRequest(vcpu, c.buf[:]); err != nil {
			c.logger.Printf("[Xen events] warning: could not record request: %v", err)
		}
	}
	return vmevent.UnmarshalRequest(c.buf[:])
}

// PublishResponse writes rsp into the next response slot and makes it
// visible to the hypervisor.
func (c *Channel) PublishResponse(rsp *vmevent.Response) error {
	if c.closed {
		return ErrClosed
	}
	if err := vmevent.MarshalResponse(c.buf[:], rsp); err != nil {
		return err
	}
	if err := c.back.Put(c.buf[:]); err != nil {
		return err
	}
	c.back.PushResponses()
	return nil
}

// Notify kicks the hypervisor side of the channel.
func (c *Channel) Notify() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.evtchn.Notify(c.port); err != nil {
		return fmt.Errorf("notify event channel port %d: %w", c.port, err)
	}
	return nil
}

// Acknowledge consumes the pending notification and unmasks its port.
func (c *Channel) Acknowledge() error {
	if c.closed {
		return ErrClosed
	}
	port, err := c.evtchn.Pending()
	if err != nil {
		return fmt.Errorf("failed to read port from event channel: %w", err)
	}
	if err := c.evtchn.Unmask(port); err != nil {
		return fmt.Errorf("failed to unmask event channel port %d: %w", port, err)
	}
	return nil
}

// Close disables monitoring, unbinds and closes the event channel, then
// unmaps the ring page, in that order. Every step is attempted; the errors
// are joined.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	return c.release()
}

func (c *Channel) release() error {
	c.closed = true
	var errs []error

	if err := c.ctl.DisableMonitor(c.dom); err != nil {
		errs = append(errs, fmt.Errorf("disable monitor: %w", err))
	}

	if c.evtchn != nil {
		if c.port != 0 {
			if err := c.evtchn.Unbind(c.port); err != nil {
				errs = append(errs, fmt.Errorf("unbind event channel port %d: %w", c.port, err))
			}
		}
		if err := c.evtchn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event channel: %w", err))
		}
		c.evtchn = nil
	}

	if c.page != nil {
		if err := c.ctl.UnmapRingPage(c.page); err != nil {
			errs = append(errs, fmt.Errorf("unmap ring page: %w", err))
		}
		c.page = nil
	}

	return errors.Join(errs...)
}
