package appparam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tlv struct {
	tag   Tag
	value []byte
}

func feedAll(t *testing.T, p *Parser, data []byte) Status {
	t.Helper()
	var last Status
	for len(data) > 0 {
		n, status := p.Write(data)
		data = data[n:]
		last = status
		if status != StatusInProgress {
			require.Empty(t, data)
			return status
		}
		if n == 0 {
			t.Fatal("parser made no progress")
		}
	}
	return last
}

func TestParser_RoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.AddUint16(3, 0xFFFF)
	enc.AddUint32(0x10, 0xCAFEBABE)
	enc.AddByte(0x0F, 1)
	enc.Add(0x01, []byte("search term"))
	enc.Add(0x04, nil) // zero-length value

	payload := enc.Bytes()
	var got []tlv
	p := New(uint32(len(payload)), func(tag Tag, value []byte) {
		got = append(got, tlv{tag, append([]byte(nil), value...)})
	})
	status := feedAll(t, p, payload)
	require.Equal(t, StatusComplete, status)

	require.Len(t, got, 5)
	assert.Equal(t, Tag(3), got[0].tag)
	assert.Equal(t, []byte{0xFF, 0xFF}, got[0].value)
	assert.Equal(t, Tag(0x10), got[1].tag)
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, got[1].value)
	assert.Equal(t, Tag(0x0F), got[2].tag)
	assert.Equal(t, []byte{1}, got[2].value)
	assert.Equal(t, "search term", string(got[3].value))
	assert.Equal(t, Tag(0x04), got[4].tag)
	assert.Len(t, got[4].value, 0)
}

func TestParser_EmptyTotalLen(t *testing.T) {
	var calls int
	p := New(0, func(Tag, []byte) { calls++ })
	n, status := p.Write([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusComplete, status)
	assert.Equal(t, 0, calls)
}

// TestParser_SplitAtEveryOffset verifies a TLV split across arbitrarily
// many Write calls reassembles correctly, including the case where the
// split falls inside the enclosing header chunk, inside the length byte,
// or inside the value.
func TestParser_SplitAtEveryOffset(t *testing.T) {
	enc := NewEncoder()
	enc.AddUint32(0x05, 0x11223344)
	enc.Add(0x02, []byte("0123456789ABCDEF"))
	enc.AddByte(0x0E, 1)
	payload := enc.Bytes()

	for split := 1; split < len(payload); split++ {
		var got []tlv
		p := New(uint32(len(payload)), func(tag Tag, value []byte) {
			got = append(got, tlv{tag, append([]byte(nil), value...)})
		})
		first := payload[:split]
		rest := payload[split:]
		n1, status1 := p.Write(first)
		remaining := append(append([]byte(nil), first[n1:]...), rest...)

		var status Status
		if status1 != StatusInProgress {
			status = status1
			require.Empty(t, remaining, "split=%d", split)
		} else {
			status = feedAll(t, p, remaining)
		}
		require.Equalf(t, StatusComplete, status, "split=%d", split)
		require.Len(t, got, 3, "split=%d", split)
		assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, got[0].value, "split=%d", split)
		assert.Equal(t, "0123456789ABCDEF", string(got[1].value), "split=%d", split)
		assert.Equal(t, []byte{1}, got[2].value, "split=%d", split)
	}
}

func TestParser_TruncatedValueOverrunsTotalLen_IsError(t *testing.T) {
	// tag(1) + length(claims 10) but only totalLen=5 bytes declared for
	// the whole sequence: malformed per the enclosing header's length.
	data := []byte{0x01, 10, 0, 0, 0}
	p := New(5, func(Tag, []byte) {})
	_, status := p.Write(data)
	assert.Equal(t, StatusError, status)
}
