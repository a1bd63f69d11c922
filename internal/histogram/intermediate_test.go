package histogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moments(name string, nevts uint64, xsec float64, edges []float64, sumw ...float64) *Intermediate {
	m := EmptyIntermediate(name, edges)
	for i, w := range sumw {
		m.Entries[i] = 10 * float64(i+1)
		m.SumW[i] = w
		m.SumW2[i] = w / 2
		m.SumXW[i] = w * m.XFocus[i]
		m.SumX2W[i] = w * m.XFocus[i] * m.XFocus[i]
	}
	m.SetStats(nevts, xsec)
	return m
}

func TestMergeWeights(t *testing.T) {
	edges := []float64{0, 1, 2}
	a := moments("/A/h", 1000, 2.0, edges, 4, 8)
	b := moments("/A/h", 3000, 4.0, edges, 8, 4)

	m, err := Merge([]*Intermediate{a, b})
	require.NoError(t, err)

	// w_a = 0.25, w_b = 0.75
	assert.InDeltaSlice(t, []float64{0.25*4 + 0.75*8, 0.25*8 + 0.75*4}, m.SumW, 1e-12)
	assert.InDeltaSlice(t, []float64{0.0625*2 + 0.5625*4, 0.0625*4 + 0.5625*2}, m.SumW2, 1e-12)
	assert.Equal(t, []float64{20, 40}, m.Entries, "entries add up unweighted")

	nevts, xsec, ok := m.Stats()
	require.True(t, ok)
	assert.Equal(t, uint64(4000), nevts)
	assert.InDelta(t, 3.5, xsec, 1e-12)
}

func TestMergeIncompatible(t *testing.T) {
	a := moments("/A/h", 10, 1, []float64{0, 1, 2}, 1, 1)

	_, err := Merge([]*Intermediate{a, moments("/A/h", 10, 1, []float64{0, 1}, 1)})
	assert.ErrorIs(t, err, ErrIncompatibleMerge)

	noStats := a.Clone()
	delete(noStats.Meta, MetaCrossSection)
	_, err = Merge([]*Intermediate{a, noStats})
	assert.ErrorIs(t, err, ErrIncompatibleMerge)

	_, err = Merge(nil)
	assert.ErrorIs(t, err, ErrIncompatibleMerge)
}

func TestHistogramMomentRoundTrip(t *testing.T) {
	m := moments("/A/h", 100, 1, []float64{0, 0.5, 2, 3}, 3, 6, 1)
	back := FromHistogram(m.ToHistogram())
	assert.InDeltaSlice(t, m.SumW, back.SumW, 1e-12)
	assert.InDeltaSlice(t, m.SumW2, back.SumW2, 1e-12)
	assert.InDeltaSlice(t, m.XLow, back.XLow, 1e-12)
	assert.InDeltaSlice(t, m.XHigh, back.XHigh, 1e-12)
}

func TestRebinTo(t *testing.T) {
	fine := moments("/A/h", 100, 1, []float64{-1, 0, 1, 2, 3, 4}, 1, 2, 3, 4, 5)

	t.Run("merge adjacent", func(t *testing.T) {
		out, err := fine.RebinTo([]float64{0, 2, 4})
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 2}, out.XLow)
		assert.Equal(t, []float64{2, 4}, out.XHigh)
		assert.Equal(t, []float64{5, 9}, out.SumW, "bin left of the reference range is dropped")
		assert.Equal(t, []float64{20 + 30, 40 + 50}, out.Entries)
		nevts, _, ok := out.Stats()
		require.True(t, ok)
		assert.Equal(t, uint64(100), nevts)
	})

	t.Run("identity", func(t *testing.T) {
		out, err := fine.RebinTo(fine.Edges())
		require.NoError(t, err)
		assert.Equal(t, fine.SumW, out.SumW)
	})

	t.Run("split rejected", func(t *testing.T) {
		_, err := fine.RebinTo([]float64{0, 0.5, 1})
		assert.ErrorIs(t, err, ErrUnsupportedRebin)
	})

	t.Run("misaligned left edge", func(t *testing.T) {
		_, err := fine.RebinTo([]float64{0.5, 2})
		assert.ErrorIs(t, err, ErrUnsupportedRebin)
	})

	t.Run("reference beyond input", func(t *testing.T) {
		_, err := fine.RebinTo([]float64{2, 4, 6})
		assert.ErrorIs(t, err, ErrUnsupportedRebin)
	})
}

func TestMergeCollections(t *testing.T) {
	edges := []float64{0, 1}
	c1 := NewIntermediateCollection()
	c1.Add(moments("/A/a", 10, 1, edges, 1))
	c1.Add(moments("/A/b", 10, 1, edges, 1))
	c2 := NewIntermediateCollection()
	c2.Add(moments("/A/a", 30, 1, edges, 3))
	c2.State = 2

	out, err := MergeCollections([]*IntermediateCollection{c1, c2})
	require.NoError(t, err)
	assert.Equal(t, []string{"/A/a", "/A/b"}, out.Names())
	assert.Equal(t, uint64(40), out.NEvts())
	assert.Equal(t, uint8(2), out.State)

	b := out.Histograms["/A/b"]
	nevts, _, ok := b.Stats()
	require.True(t, ok)
	assert.Equal(t, uint64(10), nevts, "merged over the inputs that carry it")
	assert.Equal(t, c1.Histograms["/A/b"].SumW, b.SumW)
}

func TestMergeCollectionsKeepsHistogramMissingFromOnePart(t *testing.T) {
	edges := []float64{0, 1, 2}
	a := NewIntermediateCollection()
	a.Add(moments("/H1", 3000, 1, edges, 1))
	a.Add(moments("/H2", 3000, 1, edges, 2))
	b := NewIntermediateCollection()
	b.Add(moments("/H1", 3000, 1, edges, 1))

	for _, cols := range [][]*IntermediateCollection{{a, b}, {b, a}} {
		out, err := MergeCollections(cols)
		require.NoError(t, err)
		assert.Equal(t, []string{"/H1", "/H2"}, out.Names())
		nevts, _, _ := out.Histograms["/H2"].Stats()
		assert.Equal(t, uint64(3000), nevts)
		nevts, _, _ = out.Histograms["/H1"].Stats()
		assert.Equal(t, uint64(6000), nevts)
	}
}

func TestMergeCollectionsDropsIncompatibleContributor(t *testing.T) {
	a := NewIntermediateCollection()
	a.Add(moments("/H1", 100, 1, []float64{0, 1, 2, 3}, 1))
	b := NewIntermediateCollection()
	b.Add(moments("/H1", 200, 1, []float64{0, 1}, 1))
	c := NewIntermediateCollection()
	c.Add(moments("/H1", 300, 1, []float64{0, 2}, 1))

	out, err := MergeCollections([]*IntermediateCollection{a, b, c})
	assert.ErrorIs(t, err, ErrIncompatibleMerge)
	require.Contains(t, out.Histograms, "/H1")
	nevts, _, _ := out.Histograms["/H1"].Stats()
	assert.Equal(t, uint64(500), nevts, "the part with a different binning is left out")
}

func TestCollectionTrim(t *testing.T) {
	c := NewIntermediateCollection()
	c.Add(moments("/A/a", 1, 1, []float64{0, 1}, 1))
	c.Add(moments("/A/b", 1, 1, []float64{0, 1}, 1))
	c.Trim([]string{"/A/b", "/A/c"})
	assert.Equal(t, []string{"/A/b"}, c.Names())
	assert.Len(t, c.ToHistograms(), 1)
}
