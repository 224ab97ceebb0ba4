// Package altp2m manages the alternate p2m views of one guest.
package altp2m

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/petrepircalabu/libbdvmi/pkg/xen"
)

// ErrUnknownView is returned when switching to a view that was never
// created or has been destroyed.
var ErrUnknownView = errors.New("altp2m: unknown view")

// DomainState owns the views of a guest. View 0 is the host p2m; it always
// exists and is never registered.
type DomainState struct {
	ctl     xen.Altp2mControl
	dom     xen.DomID
	logger  *log.Logger
	views   map[uint16]struct{}
	current uint16
	enabled bool
}

// NewDomainState enables altp2m on dom.
func NewDomainState(ctl xen.Altp2mControl, dom xen.DomID, logger *log.Logger) (*DomainState, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := ctl.Altp2mSetDomainState(dom, true); err != nil {
		return nil, fmt.Errorf("[ALTP2M] could not enable altp2m on domain %d: %w", dom, err)
	}
	return &DomainState{
		ctl:     ctl,
		dom:     dom,
		logger:  logger,
		views:   make(map[uint16]struct{}),
		enabled: true,
	}, nil
}

// CreateView asks the hypervisor for a new view and registers it.
func (s *DomainState) CreateView(defaultAccess xen.MemAccess) (uint16, error) {
	id, err := s.ctl.Altp2mCreateView(s.dom, defaultAccess)
	if err != nil {
		return 0, fmt.Errorf("[ALTP2M] could not create view: %w", err)
	}
	if _, dup := s.views[id]; dup || id == 0 {
		return 0, fmt.Errorf("[ALTP2M] hypervisor returned view id %d that is already in use", id)
	}
	s.views[id] = struct{}{}
	return id, nil
}

// DestroyView destroys a registered view. Unknown ids are ignored. The
// guest is moved back to view 0 first if it runs in the view.
func (s *DomainState) DestroyView(id uint16) error {
	if _, ok := s.views[id]; !ok {
		return nil
	}
	if s.current == id {
		if err := s.SwitchToView(0); err != nil {
			return err
		}
	}
	if err := s.ctl.Altp2mDestroyView(s.dom, id); err != nil {
		return fmt.Errorf("[ALTP2M] could not destroy view %d: %w", id, err)
	}
	delete(s.views, id)
	return nil
}

// SwitchToView makes id the active view. Switching to 0 leaves alternate
// view mode and never fails; a failing hypervisor call is only logged.
func (s *DomainState) SwitchToView(id uint16) error {
	if id == s.current {
		return nil
	}

	if id == 0 {
		if err := s.ctl.Altp2mSwitchToView(s.dom, 0); err != nil {
			s.logger.Printf("[ALTP2M] warning: switch to view 0 failed: %v", err)
		}
		s.current = 0
		return nil
	}

	if _, ok := s.views[id]; !ok {
		return fmt.Errorf("[ALTP2M] cannot switch view: %w %d", ErrUnknownView, id)
	}
	if err := s.ctl.Altp2mSwitchToView(s.dom, id); err != nil {
		return fmt.Errorf("[ALTP2M] could not switch to view %d: %w", id, err)
	}
	s.current = id
	return nil
}

// CurrentView returns the active view id, 0 when none.
func (s *DomainState) CurrentView() uint16 { return s.current }

// Views returns the registered view ids in ascending order.
func (s *DomainState) Views() []uint16 {
	out := make([]uint16, 0, len(s.views))
	for id := range s.views {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close disables altp2m on the guest, which discards every view.
func (s *DomainState) Close() error {
	if !s.enabled {
		return nil
	}
	s.enabled = false
	s.views = make(map[uint16]struct{})
	s.current = 0
	if err := s.ctl.Altp2mSetDomainState(s.dom, false); err != nil {
		return fmt.Errorf("[ALTP2M] could not disable altp2m on domain %d: %w", s.dom, err)
	}
	return nil
}
