package histogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/tune"
	"github.com/vlhc/tunelab/internal/wire"
)

func twoTune(a, b float64) tune.Tune {
	return tune.Tune{Lab: "0f7c1a52-7b3e-4c55-9d1c-2e1d6a0b9f11", Params: []tune.Param{
		{Name: "a", Value: a, Decimals: 2},
		{Name: "b", Value: b, Decimals: 2},
	}}
}

func sampleCollection() *IntermediateCollection {
	c := NewIntermediateCollection()
	c.State = 3
	c.Add(moments("/B/second", 1200, 0.75, []float64{0, 1, 3}, 2, 5))
	c.Add(moments("/A/first", 1200, 0.75, []float64{-1, 0}, 7))
	return c
}

func TestIntermediateFrameLayout(t *testing.T) {
	raw, err := sampleCollection().Pack()
	require.NoError(t, err)

	r := wire.NewReader(raw)
	assert.Equal(t, uint8(1), r.U8())
	assert.Equal(t, uint32(2), r.U32())
	assert.Equal(t, uint8(3), r.U8())
	assert.Equal(t, uint32(1), r.U32(), "histograms are written in name order")
	assert.Equal(t, uint64(1200), r.U64())
	assert.Equal(t, 0.75, r.F64())
	assert.Equal(t, "/A/first", string(r.Raw(int(r.U8()))))
	assert.Equal(t, []float64{-1}, r.F64s(1), "xlow")
	require.NoError(t, r.Err())
}

func TestIntermediatePackRoundTrip(t *testing.T) {
	raw, err := sampleCollection().Pack()
	require.NoError(t, err)

	c, err := UnpackIntermediate(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), c.State)
	assert.Equal(t, []string{"/A/first", "/B/second"}, c.Names())
	assert.Equal(t, []float64{2, 5}, c.Histograms["/B/second"].SumW)

	again, err := c.Pack()
	require.NoError(t, err)
	assert.Equal(t, raw, again, "pack/unpack/pack is byte-identical")
}

func TestIntermediateEncodeRoundTrip(t *testing.T) {
	s, err := sampleCollection().Encode()
	require.NoError(t, err)
	c, err := DecodeIntermediate(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), c.NEvts())
}

func TestUnpackIntermediateRejectsBadFrames(t *testing.T) {
	raw, err := sampleCollection().Pack()
	require.NoError(t, err)

	_, err = UnpackIntermediate(raw[:len(raw)-3])
	assert.ErrorIs(t, err, wire.ErrShortFrame)

	_, err = UnpackIntermediate(append(append([]byte{}, raw...), 0))
	assert.Error(t, err, "trailing bytes")

	bad := append([]byte{}, raw...)
	bad[0] = 2
	_, err = UnpackIntermediate(bad)
	assert.Error(t, err)
}

func TestPackRejectsLongName(t *testing.T) {
	c := NewIntermediateCollection()
	name := make([]byte, 256)
	for i := range name {
		name[i] = 'x'
	}
	c.Add(moments(string(name), 1, 1, []float64{0, 1}, 1))
	_, err := c.Pack()
	assert.Error(t, err)
}

func TestInterpolatablePackRoundTrip(t *testing.T) {
	hists := []*Histogram{uniform("/A/a", 1, 2, 3), uniform("/A/b", 4, 1)}
	c, err := FromHistograms(twoTune(0.3, 0.8), hists, func(string) (int, bool) { return 3, false })
	require.NoError(t, err)

	raw, err := c.Pack()
	require.NoError(t, err)

	back, err := UnpackInterpolatable(raw)
	require.NoError(t, err)
	assert.True(t, back.Tune.Equal(c.Tune))
	assert.Equal(t, c.Coefficients, back.Coefficients)
	assert.Equal(t, c.Names(), back.Names())

	again, err := back.Pack()
	require.NoError(t, err)
	assert.Equal(t, raw, again, "pack/unpack/pack is byte-identical")

	s, err := c.Encode()
	require.NoError(t, err)
	decoded, err := DecodeInterpolatable(s)
	require.NoError(t, err)
	assert.Len(t, decoded.Coefficients, len(c.Coefficients))
}

func TestInterpolatablePackRejectsInconsistentMeta(t *testing.T) {
	c := &InterpolatableCollection{Tune: twoTune(0.1, 0.1), Coefficients: []float64{1, 2}, Meta: []FitMeta{{Name: "h", Degree: 0}}}
	_, err := c.Pack()
	assert.Error(t, err)
}
