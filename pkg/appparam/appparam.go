// Package appparam implements the nested application/parameter TLV format
// carried inside an OBEX ApplicationParameters header (spec.md §4.2): a
// sequence of (1-byte tag, 1-byte length, value) triplets. It mirrors
// pkg/header's split between a resumable streaming Parser and a
// buffering Encoder, since application parameters arrive as chunks of an
// already-chunked header payload and so need the same straddling
// discipline one level down.
package appparam

import "encoding/binary"

// Tag identifies one application parameter. The concrete tag numbers are
// assigned per profile (see pkg/pbap for PBAP's closed tag set); this
// package only knows the TLV framing.
type Tag uint8

// Status mirrors header.Status: the three-way outcome of one Write call.
type Status int

const (
	StatusInProgress Status = iota
	StatusComplete
	StatusError
)

// Callback receives one fully-reassembled parameter at a time. value is
// only valid for the duration of the call.
type Callback func(tag Tag, value []byte)

type phase uint8

const (
	phaseTag phase = iota
	phaseLength
	phaseValue
	phaseError
)

// Parser reassembles a sequence of TLV triplets from a byte stream that
// may be split arbitrarily across Write calls, stopping once totalLen
// bytes (the enclosing ApplicationParameters header's declared length)
// have been consumed. scratch holds one full tag value at a time rather
// than a per-tag buffer external to Parser; the 1-byte TLV length cap
// bounds that at 255 bytes, so there is no straddling cost worth paying
// for here the way pkg/header pays it for multi-kilobyte bodies.
type Parser struct {
	cb       Callback
	totalLen uint32
	consumed uint32

	phase phase
	curTag   Tag
	curLen   uint8
	curGot   uint8
	scratch  [255]byte
}

// New creates a Parser bound to totalLen, the declared byte length of the
// enclosing ApplicationParameters header value.
func New(totalLen uint32, cb Callback) *Parser {
	return &Parser{totalLen: totalLen, cb: cb}
}

// Write feeds the next slice of ApplicationParameters payload bytes,
// returning how many bytes it consumed and whether the full TLV sequence
// is now parsed. A zero-length totalLen completes immediately with no
// parameters delivered (spec.md §4.2 edge case: empty ApplicationParameters
// header is valid and carries zero tags).
func (p *Parser) Write(data []byte) (consumed int, status Status) {
	if p.totalLen == 0 {
		return 0, StatusComplete
	}
	i := 0
	for i < len(data) && p.consumed < p.totalLen {
		switch p.phase {
		case phaseTag:
			p.curTag = Tag(data[i])
			i++
			p.consumed++
			p.phase = phaseLength

		case phaseLength:
			if p.consumed >= p.totalLen {
				p.phase = phaseError
				return i, StatusError
			}
			p.curLen = data[i]
			i++
			p.consumed++
			p.curGot = 0
			if p.curLen == 0 {
				p.cb(p.curTag, nil)
				p.phase = phaseTag
			} else {
				p.phase = phaseValue
			}

		case phaseValue:
			if p.consumed+uint32(p.curLen)-uint32(p.curGot) > p.totalLen {
				p.phase = phaseError
				return i, StatusError
			}
			for i < len(data) && p.curGot < p.curLen {
				p.scratch[p.curGot] = data[i]
				p.curGot++
				i++
				p.consumed++
			}
			if p.curGot == p.curLen {
				p.cb(p.curTag, p.scratch[:p.curLen])
				p.phase = phaseTag
			} else {
				return i, StatusInProgress
			}

		case phaseError:
			return i, StatusError
		}
	}
	if p.consumed >= p.totalLen {
		return i, StatusComplete
	}
	return i, StatusInProgress
}

// Encoder composes an ApplicationParameters payload. Unlike Parser it
// buffers the whole sequence, since a profile always knows every
// parameter it wants to send up front.
type Encoder struct {
	buf []byte
}

// NewEncoder starts an empty parameter sequence.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 32)}
}

// Add appends one TLV triplet. value must be at most 255 bytes; longer
// values cannot be represented by this 1-byte length form and are the
// caller's responsibility to reject earlier.
func (e *Encoder) Add(tag Tag, value []byte) {
	e.buf = append(e.buf, byte(tag), byte(len(value)))
	e.buf = append(e.buf, value...)
}

// AddUint16 appends a 2-byte big-endian value parameter.
func (e *Encoder) AddUint16(tag Tag, value uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], value)
	e.Add(tag, b[:])
}

// AddUint32 appends a 4-byte big-endian value parameter.
func (e *Encoder) AddUint32(tag Tag, value uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], value)
	e.Add(tag, b[:])
}

// AddByte appends a 1-byte value parameter.
func (e *Encoder) AddByte(tag Tag, value uint8) {
	e.Add(tag, []byte{value})
}

// Bytes returns the composed payload, ready to be wrapped in an
// ApplicationParameters header via header.Encoder.AddBytes.
func (e *Encoder) Bytes() []byte { return e.buf }
