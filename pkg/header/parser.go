// Package header implements the resumable OBEX header parser and encoder
// shared by every profile (spec.md §4.1). It is grounded on the teacher's
// pkg/od/streamer.go: that type exposes Read/Write returning a sentinel
// "need more calls" error (od.ErrPartial) instead of buffering an entire
// object before reporting anything, which is exactly the discipline an
// OBEX header parser needs since a header may straddle many GOEP packets.
package header

import (
	"encoding/binary"

	"github.com/obexstack/obex"
)

// Status is the three-way outcome of one ProcessData call, matching
// spec.md §4.1's contract literally.
type Status int

const (
	StatusInProgress Status = iota
	StatusComplete
	StatusError
)

// Kind selects whether the first byte of the object is a request opcode
// or a response code.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
)

// Callback receives header payload chunks as they stream in. total is the
// full payload length for this header (independent of chunk framing);
// offset is where this chunk begins inside that payload; chunk may be
// shorter than total-offset, and the callback is invoked exactly once
// with a zero-length chunk for a zero-length payload (spec.md §4.1 edge
// case). Implementations must not retain chunk past the call — the
// parser owns that memory and may reuse or discard it afterwards.
type Callback func(id obex.HeaderID, total, offset uint32, chunk []byte)

type phase uint8

const (
	phaseOpcode phase = iota
	phaseLengthHi
	phaseLengthLo
	phaseFixedFields
	phaseHeaderID
	phaseHeaderLenHi
	phaseHeaderLenLo
	phaseHeaderPayload
	phaseHeaderFixedPayload
	phaseDone
	phaseError
)

// Info is the parsed envelope of one complete OBEX object, available once
// ProcessData returns StatusComplete.
type Info struct {
	Kind         Kind
	Opcode       obex.OpCode
	ResponseCode obex.ResponseCode
	// Final is the request opcode's final bit (Kind == KindRequest only).
	// OBEX responses carry no final bit of their own, so for KindResponse
	// this is always true; callers distinguishing a Continue response from
	// a terminal one must look at ResponseCode instead.
	Final        bool
	TotalLength  uint16

	// ConnectVersion/ConnectFlags/ConnectMaxPacketLength are only valid
	// when Opcode == obex.OpConnect.
	ConnectVersion         uint8
	ConnectFlags           uint8
	ConnectMaxPacketLength uint16

	// SetPathFlags is only valid when Opcode == obex.OpSetPath.
	SetPathFlags uint8
}

// Parser is a byte-driven automaton for one OBEX object at a time. It owns
// only a 4-byte scratch area, used to reassemble the length fields, the
// CONNECT/SETPATH fixed fields and the 1- and 4-byte header values across
// ProcessData calls. Variable-length header payloads are handed to
// Callback as slices of the input and are never copied here.
type Parser struct {
	kind Kind
	cb   Callback

	phase phase
	info  Info

	consumed uint32 // bytes of the object consumed so far, including the 3-byte prefix
	fixedLen uint32 // how many fixed-opcode bytes remain to read (CONNECT: 4, SETPATH: 2)

	curID       obex.HeaderID
	curForm     obex.LengthForm
	curTotal    uint32
	curOffset   uint32
	curRemain   uint32 // bytes of the current header's payload not yet delivered

	scratch    [4]byte
	scratchLen int
	scratchNeed int
}

// New creates a Parser for a request object (next byte is an opcode) or a
// response object (next byte is a response code), per spec.md §4.1 point 1.
func New(kind Kind, cb Callback) *Parser {
	return &Parser{kind: kind, cb: cb, phase: phaseOpcode}
}

// Reset prepares the parser to parse a new object of the given kind,
// reusing the same callback. Profiles call this at the start of every
// opcode/response state (spec.md §9: "on an opcode byte, (re)initialize
// the header parser and then feed the same byte slice into the parser" —
// no hidden fall-through between "opcode seen" and "request complete").
func (p *Parser) Reset(kind Kind) {
	*p = Parser{kind: kind, cb: p.cb, phase: phaseOpcode}
}

// Info returns the envelope parsed so far; only fully populated once
// ProcessData has returned StatusComplete.
func (p *Parser) Info() Info { return p.info }

// take accumulates need bytes from data (starting at *i) into p.scratch,
// returning true once enough bytes have been collected across however
// many calls that took. Advances *i by however many bytes it consumed.
func (p *Parser) take(data []byte, i *int, need int) bool {
	for *i < len(data) && p.scratchLen < need {
		p.scratch[p.scratchLen] = data[*i]
		p.scratchLen++
		*i++
	}
	return p.scratchLen == need
}

func (p *Parser) resetScratch() {
	p.scratchLen = 0
}

// ProcessData feeds the next slice of inbound bytes to the parser. It may
// consume only a prefix of data (the rest belongs to a following object);
// the number of bytes actually consumed is returned so the caller can
// re-feed any remainder. Fed arbitrary byte slices per spec.md §4.1.
func (p *Parser) ProcessData(data []byte) (consumed int, status Status) {
	i := 0
	for i < len(data) {
		switch p.phase {
		case phaseOpcode:
			b := data[i]
			i++
			p.consumed = 1
			if p.kind == KindRequest {
				p.info.Opcode = obex.OpCode(b)
				p.info.Final = p.info.Opcode.Final()
			} else {
				p.info.ResponseCode = obex.ResponseCode(b)
				p.info.Final = true
			}
			p.phase = phaseLengthHi
			p.resetScratch()

		case phaseLengthHi, phaseLengthLo:
			if !p.take(data, &i, 2) {
				return i, StatusInProgress
			}
			p.info.TotalLength = binary.BigEndian.Uint16(p.scratch[:2])
			p.consumed = 3
			p.resetScratch()
			if int(p.info.TotalLength) < 3 {
				p.phase = phaseError
				return i, StatusError
			}
			switch {
			case p.kind == KindRequest && p.info.Opcode == obex.OpConnect:
				p.fixedLen = 4
				p.phase = phaseFixedFields
			case p.kind == KindRequest && p.info.Opcode == obex.OpSetPath:
				p.fixedLen = 2
				p.phase = phaseFixedFields
			default:
				p.phase = phaseHeaderID
			}

		case phaseFixedFields:
			if !p.take(data, &i, int(p.fixedLen)) {
				return i, StatusInProgress
			}
			p.consumed += p.fixedLen
			if p.kind == KindRequest && p.info.Opcode == obex.OpConnect {
				p.info.ConnectVersion = p.scratch[0]
				p.info.ConnectFlags = p.scratch[1]
				p.info.ConnectMaxPacketLength = binary.BigEndian.Uint16(p.scratch[2:4])
			} else if p.kind == KindRequest && p.info.Opcode == obex.OpSetPath {
				p.info.SetPathFlags = p.scratch[0]
				// scratch[1] is "constants", reserved, ignored.
			}
			p.resetScratch()
			p.phase = phaseHeaderID

		case phaseHeaderID:
			if p.consumed >= uint32(p.info.TotalLength) {
				p.phase = phaseDone
				return i, StatusComplete
			}
			p.curID = obex.HeaderID(data[i])
			i++
			p.consumed++
			p.curForm = p.curID.Form()
			p.resetScratch()
			switch p.curForm {
			case obex.LengthFormUnicode, obex.LengthFormBytes:
				p.phase = phaseHeaderLenHi
			case obex.LengthForm1Byte:
				p.scratchNeed = 1
				p.phase = phaseHeaderFixedPayload
			case obex.LengthForm4Byte:
				p.scratchNeed = 4
				p.phase = phaseHeaderFixedPayload
			}

		case phaseHeaderLenHi, phaseHeaderLenLo:
			if !p.take(data, &i, 2) {
				return i, StatusInProgress
			}
			hdrLen := binary.BigEndian.Uint16(p.scratch[:2])
			p.consumed += 2
			p.resetScratch()
			if int(hdrLen) < 3 {
				p.phase = phaseError
				return i, StatusError
			}
			p.curTotal = uint32(hdrLen) - 3
			p.curOffset = 0
			p.curRemain = p.curTotal
			if p.curRemain == 0 {
				p.cb(p.curID, 0, 0, nil)
				p.phase = phaseHeaderID
			} else {
				p.phase = phaseHeaderPayload
			}

		case phaseHeaderPayload:
			if p.curRemain == 0 {
				p.phase = phaseHeaderID
				continue
			}
			if uint32(p.info.TotalLength) > 0 && p.consumed+p.curRemain > uint32(p.info.TotalLength) {
				p.phase = phaseError
				return i, StatusError
			}
			avail := len(data) - i
			take := avail
			if uint32(take) > p.curRemain {
				take = int(p.curRemain)
			}
			chunk := data[i : i+take]
			p.cb(p.curID, p.curTotal, p.curOffset, chunk)
			p.curOffset += uint32(take)
			p.curRemain -= uint32(take)
			p.consumed += uint32(take)
			i += take
			if p.curRemain == 0 {
				p.phase = phaseHeaderID
			} else {
				return i, StatusInProgress
			}

		case phaseHeaderFixedPayload:
			if !p.take(data, &i, p.scratchNeed) {
				return i, StatusInProgress
			}
			p.consumed += uint32(p.scratchNeed)
			p.curTotal = uint32(p.scratchNeed)
			p.cb(p.curID, p.curTotal, 0, p.scratch[:p.scratchNeed])
			p.resetScratch()
			p.phase = phaseHeaderID

		case phaseDone:
			return i, StatusComplete

		case phaseError:
			return i, StatusError
		}

		if p.consumed > uint32(p.info.TotalLength) && p.info.TotalLength != 0 {
			p.phase = phaseError
			return i, StatusError
		}
	}

	if p.phase == phaseHeaderID && p.consumed >= uint32(p.info.TotalLength) {
		p.phase = phaseDone
		return i, StatusComplete
	}
	return i, StatusInProgress
}
