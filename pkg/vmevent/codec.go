package vmevent

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/petrepircalabu/libbdvmi/pkg/regs"
)

// Entry layout.
const (
	headerSize = 24
	unionSize  = 32
	dataOffset = headerSize + unionSize

	// EntrySize is the size of one ring slot.
	EntrySize = dataOffset + regs.WireSize

	// MaxEmulReadData is the largest emulated read payload a response can
	// carry.
	MaxEmulReadData = regs.WireSize - 4
)

var le = binary.LittleEndian

// ErrShortEntry is returned when a buffer is smaller than EntrySize.
var ErrShortEntry = errors.New("vmevent: short entry")

func putHeader(b []byte, version uint32, flags Flags, reason Reason, vcpu uint32, idx uint16) {
	le.PutUint32(b[0:], version)
	le.PutUint32(b[4:], uint32(flags))
	le.PutUint32(b[8:], uint32(reason))
	le.PutUint32(b[12:], vcpu)
	le.PutUint16(b[16:], idx)
	clear(b[18:headerSize])
}

// MarshalRequest encodes req into b, which must hold EntrySize bytes.
func MarshalRequest(b []byte, req *Request) error {
	if len(b) < EntrySize {
		return ErrShortEntry
	}
	putHeader(b, req.Version, req.Flags, req.Reason, req.VCPU, req.Altp2mIdx)
	putPayload(b, req.Payload)
	return req.Regs.Encode(b[dataOffset:EntrySize])
}

// UnmarshalRequest decodes a request entry.
func UnmarshalRequest(b []byte) (Request, error) {
	var req Request
	if len(b) < EntrySize {
		return req, ErrShortEntry
	}
	req.Version = le.Uint32(b[0:])
	req.Flags = Flags(le.Uint32(b[4:]))
	req.Reason = Reason(le.Uint32(b[8:]))
	req.VCPU = le.Uint32(b[12:])
	req.Altp2mIdx = le.Uint16(b[16:])
	req.Payload = decodePayload(req.Reason, req.Version, b[headerSize:dataOffset])

	w, err := regs.Decode(b[dataOffset:EntrySize])
	if err != nil {
		return req, err
	}
	req.Regs = w
	return req, nil
}

// MarshalResponse encodes rsp into b, which must hold EntrySize bytes.
func MarshalResponse(b []byte, rsp *Response) error {
	if len(b) < EntrySize {
		return ErrShortEntry
	}
	putHeader(b, rsp.Version, rsp.Flags, rsp.Reason, rsp.VCPU, rsp.Altp2mIdx)
	putPayload(b, rsp.Payload)

	data := b[dataOffset:EntrySize]
	if rsp.Flags&FlagSetEmulReadData == 0 {
		return rsp.Regs.Encode(data)
	}
	if len(rsp.EmulReadData) > MaxEmulReadData {
		return fmt.Errorf("vmevent: emulated read data too large: %d bytes", len(rsp.EmulReadData))
	}
	clear(data)
	le.PutUint32(data[0:], uint32(len(rsp.EmulReadData)))
	copy(data[4:], rsp.EmulReadData)
	return nil
}

// UnmarshalResponse decodes a response entry. Responses carry the full
// MovToMsr payload regardless of version.
func UnmarshalResponse(b []byte) (Response, error) {
	var rsp Response
	if len(b) < EntrySize {
		return rsp, ErrShortEntry
	}
	rsp.Version = le.Uint32(b[0:])
	rsp.Flags = Flags(le.Uint32(b[4:]))
	rsp.Reason = Reason(le.Uint32(b[8:]))
	rsp.VCPU = le.Uint32(b[12:])
	rsp.Altp2mIdx = le.Uint16(b[16:])
	rsp.Payload = decodePayload(rsp.Reason, InterfaceVersion, b[headerSize:dataOffset])

	data := b[dataOffset:EntrySize]
	if rsp.Flags&FlagSetEmulReadData != 0 {
		n := le.Uint32(data[0:])
		if n > MaxEmulReadData {
			return rsp, fmt.Errorf("vmevent: emulated read size %d out of range", n)
		}
		rsp.EmulReadData = append([]byte(nil), data[4:4+n]...)
		return rsp, nil
	}

	w, err := regs.Decode(data)
	if err != nil {
		return rsp, err
	}
	rsp.Regs = w
	return rsp, nil
}

func putPayload(b []byte, p Payload) {
	u := b[headerSize:dataOffset]
	clear(u)
	if p != nil {
		p.encode(u)
	}
}
