package histogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniform builds a histogram over [0, n) with unit-width bins.
func uniform(name string, ys ...float64) *Histogram {
	edges := make([]float64, len(ys)+1)
	for i := range edges {
		edges[i] = float64(i)
	}
	h := FromEdges(name, edges)
	for i, y := range ys {
		h.Y[i] = y
		h.YErrMinus[i] = 0.1 * y
		h.YErrPlus[i] = 0.1 * y
	}
	return h
}

func TestEdgesAndValidate(t *testing.T) {
	h := uniform("/A/h", 1, 2, 3)
	require.NoError(t, h.Validate())
	assert.Equal(t, []float64{0, 1, 2, 3}, h.Edges())

	h.XErrMinus[1] = -1
	assert.Error(t, h.Validate())

	h = uniform("/A/h", 1, 2)
	h.Y = h.Y[:1]
	assert.Error(t, h.Validate())
}

func TestArea(t *testing.T) {
	// Centers 0.5, 1.5, 2.5: trapezoids (1+2)/2 + (2+3)/2.
	assert.InDelta(t, 4.0, uniform("h", 1, 2, 3).Area(), 1e-12)
	assert.InDelta(t, 2.0, uniform("h", 2).Area(), 1e-12, "single bin integrates over its width")
	assert.Equal(t, 0.0, New("h", 0).Area())
}

func TestNormalizeIdempotent(t *testing.T) {
	h := uniform("h", 1, 4, 2, 7)
	require.NoError(t, h.Normalize())
	assert.True(t, h.IsNormalized(1e-6))

	before := h.Clone()
	require.NoError(t, h.Normalize())
	assert.True(t, h.IsNormalized(1e-6))
	for i := range h.Y {
		assert.InDelta(t, before.Y[i], h.Y[i], 1e-9)
	}

	assert.ErrorIs(t, uniform("h", 0, 0).Normalize(), ErrZeroArea)
}

func TestChi2ToReference(t *testing.T) {
	t.Run("identical", func(t *testing.T) {
		h := uniform("h", 1, 2, 3)
		chi2, err := h.Chi2ToReference(h.Clone(), DefaultUncertainty)
		require.NoError(t, err)
		assert.Equal(t, 0.0, chi2)
	})

	t.Run("mean over contributing bins", func(t *testing.T) {
		theory := uniform("h", 2, 0, 1)
		data := uniform("h", 1, 0, 1)
		// Bin 0: T=2 > D=1, sD = D+err = 0.1, sT = T-err = 0.2, u*T = 0.1.
		want := 1.0 / (0.01 + 0.04 + 0.01)
		chi2, err := theory.Chi2ToReference(data, DefaultUncertainty)
		require.NoError(t, err)
		assert.InDelta(t, want/2, chi2, 1e-9, "bin 1 is skipped, bins 0 and 2 contribute")
	})

	t.Run("missing coverage", func(t *testing.T) {
		_, err := uniform("h", 1, 1).Chi2ToReference(uniform("h", 1, 0), DefaultUncertainty)
		assert.ErrorIs(t, err, ErrMissingCoverage)
	})

	t.Run("no comparable bins", func(t *testing.T) {
		_, err := uniform("h", 0, 0).Chi2ToReference(uniform("h", 0, 0), DefaultUncertainty)
		assert.ErrorIs(t, err, ErrNoComparableBins)
	})

	t.Run("zero denominator", func(t *testing.T) {
		theory := uniform("h", 1)
		data := uniform("h", 2)
		theory.YErrPlus[0], data.YErrMinus[0] = 0, 0
		_, err := theory.Chi2ToReference(data, 0)
		assert.ErrorIs(t, err, ErrZeroDenominator)
	})

	t.Run("bin mismatch", func(t *testing.T) {
		_, err := uniform("h", 1).Chi2ToReference(uniform("h", 1, 1), DefaultUncertainty)
		assert.ErrorIs(t, err, ErrBinMismatch)
	})
}
