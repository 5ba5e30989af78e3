package header

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"

	"github.com/obexstack/obex"
)

// ErrTooLarge is recorded, and reported by Err, when an Add* call would
// push the object past the 0xFFFF limit of the OBEX length field,
// surfacing as spec.md §7's ResourceExceeded at the profile layer.
var ErrTooLarge = errors.New("header: value does not fit in remaining buffer")

// Encoder appends headers into a growing byte slice representing one
// outgoing OBEX object. Unlike Parser it does buffer, because a response
// is composed in one shot by the profile before handing it to GOEP —
// there is no streaming concern on the write side.
type Encoder struct {
	buf []byte
	err error
}

// maxObjectLen is the largest value the 2-byte OBEX packet length field
// can express.
const maxObjectLen = 0xFFFF

// Err reports the first ErrTooLarge encountered by an Add* call, if any.
// Callers composing a response around a caller-supplied body (PUT,
// pull responses) should check Err before Finish, since Finish itself
// cannot fail and will otherwise hand back a truncated-looking object.
func (e *Encoder) Err() error { return e.err }

// NewEncoder starts composing a request or response object. prefix is the
// first byte (opcode or response code); the 2-byte length placeholder is
// reserved immediately and patched by Finish.
func NewEncoder(prefix byte) *Encoder {
	e := &Encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, prefix, 0, 0)
	return e
}

// AddConnectFields appends CONNECT's 4 mandatory bytes. Only valid
// immediately after NewEncoder for a CONNECT object.
func (e *Encoder) AddConnectFields(version, flags uint8, maxPacketLength uint16) {
	e.buf = append(e.buf, version, flags, 0, 0)
	binary.BigEndian.PutUint16(e.buf[len(e.buf)-2:], maxPacketLength)
}

// AddSetPathFields appends SETPATH's 2 mandatory bytes (flags, constants).
func (e *Encoder) AddSetPathFields(flags uint8) {
	e.buf = append(e.buf, flags, 0)
}

// AddUnicode appends a UTF-16BE, NUL-terminated string header (Name).
func (e *Encoder) AddUnicode(id obex.HeaderID, s string) {
	units := utf16.Encode([]rune(s))
	payload := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		payload = append(payload, byte(u>>8), byte(u))
	}
	payload = append(payload, 0, 0) // NUL terminator
	e.addLengthPrefixed(id, payload)
}

// AddBytes appends a byte-sequence header (Type, Body, EndOfBody,
// ApplicationParameters, Target, Who, ...).
func (e *Encoder) AddBytes(id obex.HeaderID, value []byte) {
	e.addLengthPrefixed(id, value)
}

func (e *Encoder) addLengthPrefixed(id obex.HeaderID, payload []byte) {
	if e.err != nil {
		return
	}
	hdrLen := 3 + len(payload)
	if len(e.buf)+hdrLen > maxObjectLen {
		e.err = ErrTooLarge
		return
	}
	e.buf = append(e.buf, byte(id), 0, 0)
	binary.BigEndian.PutUint16(e.buf[len(e.buf)-2:], uint16(hdrLen))
	e.buf = append(e.buf, payload...)
}

// AddByte appends a 1-byte value header (SingleResponseMode,
// SingleResponseModeParameter).
func (e *Encoder) AddByte(id obex.HeaderID, value uint8) {
	if e.err != nil {
		return
	}
	if len(e.buf)+2 > maxObjectLen {
		e.err = ErrTooLarge
		return
	}
	e.buf = append(e.buf, byte(id), value)
}

// AddUint32 appends a 4-byte value header (ConnectionID, Count, Length).
func (e *Encoder) AddUint32(id obex.HeaderID, value uint32) {
	if e.err != nil {
		return
	}
	if len(e.buf)+5 > maxObjectLen {
		e.err = ErrTooLarge
		return
	}
	e.buf = append(e.buf, byte(id), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(e.buf[len(e.buf)-4:], value)
}

// Len reports the object's current encoded size, useful for computing
// remaining space before appending a body (spec.md's GetMaxBodySize).
func (e *Encoder) Len() int { return len(e.buf) }

// Finish patches the 2-byte total length field and returns the composed
// object bytes. The Encoder must not be reused afterwards.
func (e *Encoder) Finish() []byte {
	binary.BigEndian.PutUint16(e.buf[1:3], uint16(len(e.buf)))
	return e.buf
}
