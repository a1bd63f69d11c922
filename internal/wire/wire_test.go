package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	var w Writer
	w.U8(Protocol)
	w.U32(7)
	w.U64(1 << 40)
	w.F64(-2.5)
	w.F64s([]float64{1, math.Inf(1)})
	w.Raw([]byte("abc"))

	// 1 + 4 + 8 + 8 + 16 + 3
	assert.Equal(t, 40, w.Len())
	assert.Equal(t, []byte{1, 7, 0, 0, 0}, w.Bytes()[:5])

	r := NewReader(w.Bytes())
	assert.Equal(t, Protocol, r.U8())
	assert.Equal(t, uint32(7), r.U32())
	assert.Equal(t, uint64(1<<40), r.U64())
	assert.Equal(t, -2.5, r.F64())
	assert.Equal(t, []float64{1, math.Inf(1)}, r.F64s(2))
	assert.Equal(t, []byte("abc"), r.Raw(3))
	assert.Equal(t, 0, r.Remaining())
	require.NoError(t, r.Err())
}

func TestReaderShortFrameIsSticky(t *testing.T) {
	r := NewReader([]byte{1, 2})
	assert.Equal(t, uint32(0), r.U32())
	assert.ErrorIs(t, r.Err(), ErrShortFrame)
	assert.Equal(t, uint8(0), r.U8(), "reads after a failure return zero")
	assert.Nil(t, r.F64s(1<<30))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(i % 17)
	}
	s, err := Encode(raw)
	require.NoError(t, err)
	assert.Less(t, len(s), len(raw), "repetitive payload compresses")

	back, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("!!not base64!!")
	assert.Error(t, err)

	_, err = Decode("aGVsbG8=")
	assert.Error(t, err)
}
