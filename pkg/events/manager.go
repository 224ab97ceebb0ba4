package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/petrepircalabu/libbdvmi/internal/platform"
	"github.com/petrepircalabu/libbdvmi/pkg/policy"
	"github.com/petrepircalabu/libbdvmi/pkg/ring"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

const (
	// DefaultPollTimeout bounds each wait of the event loop.
	DefaultPollTimeout = 100 * time.Millisecond
	// DefaultDrainCycles is the number of loop passes run by Close to flush
	// events raised while the session was ending.
	DefaultDrainCycles = 3
)

// Control is the part of the control binding the manager drives directly.
type Control interface {
	ring.Control
	policy.Monitor
	SetAccessRequired(dom xen.DomID, required bool) error
	DebugControl(dom xen.DomID, vcpu uint32, singleStep bool) error
}

// GuestDriver is the driver as seen by the manager.
type GuestDriver interface {
	Driver
	ID() xen.DomID
	CPUCount() uint32
	Version() (major, minor int)
}

// WatchResult is what a DomainWatch observed.
type WatchResult struct {
	// Stop ends the session.
	Stop bool
	// GuestStillRunning is passed to HandleSessionOver when Stop is set.
	GuestStillRunning bool
}

// DomainWatch reports guest lifecycle changes through a pollable
// descriptor.
type DomainWatch interface {
	Fd() int
	// Process consumes whatever made the descriptor readable.
	Process() (WatchResult, error)
}

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	UseAltp2m        bool
	PollTimeout      time.Duration
	DrainCycles      int
	InterfaceVersion uint32
	Stats            StatsSink
	Recorder         ring.Recorder
	Logger           *log.Logger
}

// Manager runs the event loop of one guest. It is driven by a single
// goroutine; enable, disable and handler changes must not race with
// WaitForEvents.
type Manager struct {
	ctl    Control
	drv    GuestDriver
	dom    xen.DomID
	watch  DomainWatch
	ch     *ring.Channel
	policy *policy.State
	disp   *Dispatcher
	logger *log.Logger

	useAltp2m   bool
	pollTimeout time.Duration
	drainCycles int

	stopped           bool
	closed            bool
	guestStillRunning bool
}

// NewManager enables monitoring of the driver's guest and connects to its
// ring. watch may be nil.
func NewManager(ctl Control, drv GuestDriver, watch DomainWatch, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.DrainCycles < 0 {
		opts.DrainCycles = 0
	} else if opts.DrainCycles == 0 {
		opts.DrainCycles = DefaultDrainCycles
	}

	dom := drv.ID()
	m := &Manager{
		ctl:               ctl,
		drv:               drv,
		dom:               dom,
		watch:             watch,
		logger:            logger,
		useAltp2m:         opts.UseAltp2m,
		pollTimeout:       opts.PollTimeout,
		drainCycles:       opts.DrainCycles,
		guestStillRunning: true,
	}

	if m.useAltp2m {
		if err := ctl.MonitorSingleStep(dom, true); err != nil {
			return nil, fmt.Errorf("[ALTP2M] could not enable singlestep monitoring: %w", err)
		}
	}

	ch, err := ring.Open(ctl, dom, logger)
	if err != nil {
		if m.useAltp2m {
			if serr := ctl.MonitorSingleStep(dom, false); serr != nil {
				logger.Printf("[ALTP2M] warning: could not disable singlestep monitoring: %v", serr)
			}
		}
		return nil, fmt.Errorf("[Xen events] %w", err)
	}
	ch.SetRecorder(opts.Recorder)
	m.ch = ch

	m.policy = policy.New(ctl, dom, logger)
	m.disp = NewDispatcher(drv, m.policy, m.useAltp2m, opts.InterfaceVersion, opts.Stats, logger)

	if err := ctl.SetAccessRequired(dom, false); err != nil {
		logger.Printf("[Xen events] warning: could not clear access required: %v", err)
	}
	if err := ctl.MonitorGuestRequest(dom, true, true); err != nil {
		logger.Printf("[Xen events] warning: could not enable guest request events: %v", err)
	}
	if err := m.policy.SetXSETBV(true); err != nil {
		logger.Printf("[Xen events] warning: %v", err)
	}
	if err := ctl.MonitorSoftwareBreakpoint(dom, true); err != nil {
		logger.Printf("[Xen events] warning: could not enable breakpoint events: %v", err)
	}

	major, minor := drv.Version()
	logger.Printf("[Xen events] running on Xen %d.%d", major, minor)
	return m, nil
}

// SetHandler installs the event handler. nil processes events without
// judgment.
func (m *Manager) SetHandler(h Handler) { m.disp.SetHandler(h) }

// Handler returns the installed handler.
func (m *Manager) Handler() Handler { return m.disp.Handler() }

// Policy exposes the interception state.
func (m *Manager) Policy() *policy.State { return m.policy }

// Channel exposes the ring channel.
func (m *Manager) Channel() *ring.Channel { return m.ch }

// Stopped reports whether Stop has run.
func (m *Manager) Stopped() bool { return m.stopped }

// GuestStillRunning reports what the session was told when it ended.
func (m *Manager) GuestStillRunning() bool { return m.guestStillRunning }

// EnableCREvents traps writes to cr and reports whether it was already
// trapped.
func (m *Manager) EnableCREvents(cr int) (bool, error) { return m.policy.EnableCR(cr) }

// DisableCREvents removes the trap on cr and reports whether it was set.
func (m *Manager) DisableCREvents(cr int) (bool, error) { return m.policy.DisableCR(cr) }

// EnableMSREvents traps writes to msr and reports whether it was already
// trapped.
func (m *Manager) EnableMSREvents(msr uint32) (bool, error) { return m.policy.EnableMSR(msr) }

// DisableMSREvents removes the trap on msr and reports whether it was set.
func (m *Manager) DisableMSREvents(msr uint32) (bool, error) { return m.policy.DisableMSR(msr) }

// WaitForEvents runs the loop until the session stops. Cancelling ctx
// stops the session; the loop still drains the ring once more before it
// returns. Errors are fatal to the session.
func (m *Manager) WaitForEvents(ctx context.Context) error {
	if m.ch == nil {
		return ring.ErrClosed
	}
	shuttingDown := false

	for {
		if err := m.waitForEventOrTimeout(); err != nil {
			return err
		}

		if ctx.Err() != nil {
			m.Stop()
		}
		if m.stopped {
			shuttingDown = true
		}

		if err := m.drain(); err != nil {
			return err
		}

		if shuttingDown {
			return nil
		}
	}
}

func (m *Manager) waitForEventOrTimeout() error {
	watchFd := -1
	if m.watch != nil {
		watchFd = m.watch.Fd()
	}
	fds := []platform.PollFd{
		{Fd: watchFd, Events: platform.PollIn | platform.PollErr},
		{Fd: m.ch.Fd(), Events: platform.PollIn | platform.PollErr},
	}

	n, err := platform.Poll(fds, m.pollTimeout)
	if errors.Is(err, platform.ErrInterrupted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("[Xen events] poll() failed: %w", err)
	}
	if n == 0 {
		return nil
	}

	if fds[0].Revents&platform.PollIn != 0 {
		res, err := m.watch.Process()
		if err != nil {
			m.logger.Printf("[Xen events] warning: domain watch: %v", err)
		}
		if res.Stop {
			m.guestStillRunning = res.GuestStillRunning
			m.Stop()
		}
		return nil
	}

	if fds[1].Revents&platform.PollIn != 0 {
		if err := m.ch.Acknowledge(); err != nil {
			return fmt.Errorf("[Xen events] %w", err)
		}
		return nil
	}

	return errors.New("[Xen events] error getting event")
}

func (m *Manager) drain() error {
	for m.ch.HasUnconsumedRequests() {
		req, err := m.ch.TakeRequest()
		if err != nil {
			return fmt.Errorf("[Xen events] take request: %w", err)
		}

		rsp := m.disp.Dispatch(&req)

		if err := m.ch.PublishResponse(&rsp); err != nil {
			return fmt.Errorf("[Xen events] put response: %w", err)
		}
		if err := m.ch.Notify(); err != nil {
			return fmt.Errorf("[Xen events] error resuming page: %w", err)
		}
	}
	return nil
}

// Stop ends the session: the handler is told, then XCR0 and control
// register traps are removed. Only the first call has any effect.
func (m *Manager) Stop() {
	if m.stopped {
		return
	}

	if h := m.disp.Handler(); h != nil {
		h.HandleSessionOver(m.guestStillRunning)
	}
	m.stopped = true

	if err := m.policy.SetXSETBV(false); err != nil {
		m.logger.Printf("[Xen events] warning: %v", err)
	}
	if err := m.policy.DisableCRs(); err != nil {
		m.logger.Printf("[Xen events] warning: %v", err)
	}
}

// Close detaches the handler, stops the session, flushes in-flight events
// and releases the ring. Failures are logged and never returned.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true

	m.SetHandler(nil)
	m.Stop()

	if err := m.ctl.MonitorSoftwareBreakpoint(m.dom, false); err != nil {
		m.logger.Printf("[Xen events] warning: could not disable breakpoint events: %v", err)
	}
	if err := m.ctl.MonitorGuestRequest(m.dom, false, true); err != nil {
		m.logger.Printf("[Xen events] warning: could not disable guest request events: %v", err)
	}
	if err := m.policy.DisableAll(); err != nil {
		m.logger.Printf("[Xen events] warning: could not disable interception: %v", err)
	}

	for i := 0; i < m.drainCycles; i++ {
		if err := m.WaitForEvents(context.Background()); err != nil {
			m.logger.Printf("[Xen events] warning: %v", err)
			break
		}
	}

	if m.useAltp2m {
		for vcpu := uint32(0); vcpu < m.drv.CPUCount(); vcpu++ {
			if err := m.ctl.DebugControl(m.dom, vcpu, false); err != nil {
				m.logger.Printf("[ALTP2M] warning: could not turn off singlestep on VCPU %d: %v", vcpu, err)
			}
		}
	}

	if err := m.ch.Close(); err != nil {
		m.logger.Printf("[Xen events] warning: %v", err)
	}
	m.ch = nil
}
