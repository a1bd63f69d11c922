package histogram

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolyFitRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		ys     []float64
		degree int
		logY   bool
	}{
		{"exact degree", []float64{1, 2, 4, 3}, 3, false},
		{"padded degree", []float64{1, 2, 4, 3}, 6, false},
		{"log y", []float64{100, 10, 1, 0.1}, 4, true},
		{"single bin", []float64{5}, 4, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := uniform("/A/h", tc.ys...)
			f, err := h.PolyFit(tc.degree, tc.logY)
			require.NoError(t, err)
			assert.Len(t, f.Central, tc.degree+1)
			assert.Len(t, f.Plus, tc.degree+1)
			assert.Len(t, f.Minus, tc.degree+1)

			back, err := FromFit(f)
			require.NoError(t, err)
			tol := 1e-6 * math.Abs(h.Area())
			for i := range h.Y {
				assert.InDelta(t, h.Y[i], back.Y[i], max(tol, 1e-9*math.Abs(h.Y[i])), "bin %d", i)
				assert.InDelta(t, h.YErrPlus[i], back.YErrPlus[i], max(tol, 1e-9*math.Abs(h.Y[i])), "bin %d", i)
			}
			assert.Equal(t, h.Edges(), back.Edges())
		})
	}
}

func TestPolyFitSingleBinIsZerothDegree(t *testing.T) {
	f, err := uniform("h", 5).PolyFit(3, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5, 0, 0, 0}, f.Central, 1e-12)
}

func TestPolyFitEmpty(t *testing.T) {
	f, err := uniform("h", 0, 0, 0).PolyFit(2, true)
	require.NoError(t, err)
	assert.True(t, f.Meta.Empty)

	back, err := FromFit(f)
	require.NoError(t, err)
	assert.True(t, back.IsEmpty())
}

func TestSplitFit(t *testing.T) {
	f, err := uniform("h", 1, 2, 3).PolyFit(2, false)
	require.NoError(t, err)

	split, err := SplitFit(f.Coefficients(), f.Meta)
	require.NoError(t, err)
	assert.Equal(t, f.Central, split.Central)
	assert.Equal(t, f.Minus, split.Minus)

	_, err = SplitFit(f.Coefficients()[1:], f.Meta)
	assert.Error(t, err)
}

func TestInterpolatableSubsetAndHistograms(t *testing.T) {
	hists := []*Histogram{uniform("/A/a", 1, 2), uniform("/A/b", 3, 4, 5)}
	degrees := func(name string) (int, bool) {
		if name == "/A/a" {
			return 1, false
		}
		return 2, false
	}
	c, err := FromHistograms(twoTune(0.3, 0.8), hists, degrees)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Len(t, c.Coefficients, 3*2+3*3)

	sub := c.Subset([]string{"/A/b"})
	assert.Equal(t, []string{"/A/b"}, sub.Names())
	assert.Len(t, sub.Coefficients, 9)

	out, err := sub.Histograms()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 4.0, out[0].Y[1], 1e-9)

	assert.Equal(t, c.Names(), c.Subset(nil).Names())
}
