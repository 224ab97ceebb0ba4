// Package ring implements the consumer and producer sides of the vm_event
// shared ring and the channel that owns the ring page and its event
// channel.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/petrepircalabu/libbdvmi/internal/platform"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
)

// Shared ring header layout.
const (
	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12

	headerSize = 64
)

var (
	// ErrRingEmpty is returned by Take when no request is pending.
	ErrRingEmpty = errors.New("ring: no unconsumed requests")
	// ErrRingFull is returned when the producer has no free slot.
	ErrRingFull = errors.New("ring: no free slots")
	// ErrClosed is returned once the channel has been torn down.
	ErrClosed = errors.New("ring: channel closed")
)

// Slots is the number of entries that fit in one page: the largest power
// of two not exceeding the space after the header.
func Slots(pageSize int) uint32 {
	n := uint32((pageSize - headerSize) / vmevent.EntrySize)
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

type shared struct {
	page []byte
	size uint32
}

func newShared(page []byte) (shared, error) {
	if len(page) < platform.PageSize {
		return shared{}, fmt.Errorf("ring: page too small: %d bytes", len(page))
	}
	return shared{page: page, size: Slots(len(page))}, nil
}

func (s shared) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.page[off]))
}

func (s shared) load(off int) uint32     { return atomic.LoadUint32(s.word(off)) }
func (s shared) store(off int, v uint32) { atomic.StoreUint32(s.word(off), v) }

func (s shared) slot(idx uint32) []byte {
	start := headerSize + int(idx&(s.size-1))*vmevent.EntrySize
	return s.page[start : start+vmevent.EntrySize]
}

// InitShared resets the shared header, as the hypervisor does when it
// hands out a fresh ring.
func InitShared(page []byte) error {
	s, err := newShared(page)
	if err != nil {
		return err
	}
	s.store(offReqProd, 0)
	s.store(offRspProd, 0)
	s.store(offReqEvent, 1)
	s.store(offRspEvent, 1)
	clear(page[offRspEvent+4 : headerSize])
	return nil
}

// BackRing is the consumer side: it takes requests and produces responses.
type BackRing struct {
	sh         shared
	reqCons    uint32
	rspProdPvt uint32
}

// NewBackRing attaches to an initialized shared page.
func NewBackRing(page []byte) (*BackRing, error) {
	sh, err := newShared(page)
	if err != nil {
		return nil, err
	}
	return &BackRing{sh: sh}, nil
}

// Size is the slot count.
func (r *BackRing) Size() uint32 { return r.sh.size }

// Unconsumed returns the number of requests that can be taken now. It is
// bounded by the free response slots so a response can always be put for
// every request taken.
func (r *BackRing) Unconsumed() uint32 {
	req := r.sh.load(offReqProd) - r.reqCons
	rsp := r.sh.size - (r.reqCons - r.rspProdPvt)
	if req < rsp {
		return req
	}
	return rsp
}

// HasUnconsumedRequests reports whether Take would succeed.
func (r *BackRing) HasUnconsumedRequests() bool { return r.Unconsumed() > 0 }

// Take copies the oldest unconsumed request entry into dst and advances
// the consumer index.
func (r *BackRing) Take(dst []byte) error {
	if !r.HasUnconsumedRequests() {
		return ErrRingEmpty
	}
	copy(dst, r.sh.slot(r.reqCons))
	r.reqCons++
	r.sh.store(offReqEvent, r.reqCons+1)
	return nil
}

// Put copies a response entry into the next private producer slot. It is
// not visible to the peer until PushResponses.
func (r *BackRing) Put(src []byte) error {
	if r.rspProdPvt == r.reqCons {
		return errors.New("ring: response without a taken request")
	}
	copy(r.sh.slot(r.rspProdPvt), src)
	r.rspProdPvt++
	return nil
}

// PushResponses publishes every response put so far.
func (r *BackRing) PushResponses() {
	r.sh.store(offRspProd, r.rspProdPvt)
}

// Indices returns the consumer and private producer indices.
func (r *BackRing) Indices() (reqCons, rspProd uint32) {
	return r.reqCons, r.rspProdPvt
}

// FrontRing is the producer side: it puts requests and takes responses.
// The hypervisor plays this role; the simulator and tests use it directly.
type FrontRing struct {
	sh         shared
	reqProdPvt uint32
	rspCons    uint32
}

// NewFrontRing attaches to an initialized shared page.
func NewFrontRing(page []byte) (*FrontRing, error) {
	sh, err := newShared(page)
	if err != nil {
		return nil, err
	}
	return &FrontRing{sh: sh}, nil
}

// Free returns the number of request slots available.
func (r *FrontRing) Free() uint32 {
	return r.sh.size - (r.reqProdPvt - r.rspCons)
}

// Put copies a request entry into the next slot and publishes it.
func (r *FrontRing) Put(src []byte) error {
	if r.Free() == 0 {
		return ErrRingFull
	}
	copy(r.sh.slot(r.reqProdPvt), src)
	r.reqProdPvt++
	r.sh.store(offReqProd, r.reqProdPvt)
	return nil
}

// HasUnconsumedResponses reports whether a response is waiting.
func (r *FrontRing) HasUnconsumedResponses() bool {
	return r.sh.load(offRspProd) != r.rspCons
}

// Take copies the oldest unconsumed response entry into dst.
func (r *FrontRing) Take(dst []byte) error {
	if !r.HasUnconsumedResponses() {
		return ErrRingEmpty
	}
	copy(dst, r.sh.slot(r.rspCons))
	r.rspCons++
	return nil
}
