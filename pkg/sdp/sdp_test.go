package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_UUID16_Encoding(t *testing.T) {
	b := NewBuilder().UUID16(UUIDObjectPush).Bytes()
	require.Len(t, b, 3)
	assert.Equal(t, byte(typeUUID<<3|1), b[0])
	assert.Equal(t, []byte{0x11, 0x05}, b[1:])
}

func TestBuilder_Sequence_ShortForm(t *testing.T) {
	inner := NewBuilder().Uint8(7).Bytes()
	seq := NewBuilder().Sequence(inner).Bytes()
	require.Len(t, seq, 2+len(inner))
	assert.Equal(t, byte(typeSeq<<3|5), seq[0])
	assert.Equal(t, uint8(len(inner)), seq[1])
	assert.Equal(t, inner, seq[2:])
}

func TestOPPRecord_ContainsServiceClassAndFormats(t *testing.T) {
	rec := OPPRecord(OPPRecordParams{
		RFCOMMChannel:    9,
		SupportedFormats: []uint8{0xFF, 0x01},
	})
	assert.NotEmpty(t, rec)
	// service class UUID bytes for Object Push must appear somewhere in
	// the record's flattened byte stream.
	assert.Contains(t, string(rec), string([]byte{0x11, 0x05}))
}

func TestPBAPRecord_EncodesRepositoriesAndFeatures(t *testing.T) {
	rec := PBAPRecord(PBAPRecordParams{
		RFCOMMChannel:         19,
		SupportedRepositories: 0x0F,
		SupportedFeatures:     0x0000001B,
	})
	assert.NotEmpty(t, rec)
	assert.Contains(t, string(rec), string([]byte{0x11, 0x2F}))
}
