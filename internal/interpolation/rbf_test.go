package interpolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernel(t *testing.T) {
	k, err := ParseKernel("")
	require.NoError(t, err)
	assert.Equal(t, Linear, k)

	k, err = ParseKernel("thin_plate")
	require.NoError(t, err)
	assert.Equal(t, ThinPlate, k)

	_, err = ParseKernel("bicubic")
	assert.Error(t, err)
}

func TestRBFReproducesNodes(t *testing.T) {
	nodes := [][]float64{{0.3, 0.7}, {0.4, 0.7}, {0.3, 0.8}, {0.45, 0.9}}
	values := [][]float64{{1, 10}, {2, 20}, {3, 30}, {4, 40}}

	for _, k := range []Kernel{Linear, Cubic, ThinPlate, Multiquadric, Inverse, Gaussian} {
		t.Run(string(k), func(t *testing.T) {
			ip, err := RBF{Kernel: k}.Fit(nodes, values)
			require.NoError(t, err)
			for i, n := range nodes {
				got := ip.At(n)
				require.Len(t, got, 2)
				assert.InDelta(t, values[i][0], got[0], 1e-6)
				assert.InDelta(t, values[i][1], got[1], 1e-6)
			}
		})
	}
}

func TestRBFSingleNode(t *testing.T) {
	ip, err := RBF{}.Fit([][]float64{{0.5}}, [][]float64{{7, 8}})
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8}, ip.At([]float64{0.9}))
}

func TestRBFRejectsBadShapes(t *testing.T) {
	_, err := RBF{}.Fit(nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = RBF{}.Fit([][]float64{{0}, {1}}, [][]float64{{1}})
	assert.Error(t, err)

	_, err = RBF{}.Fit([][]float64{{0}, {1}}, [][]float64{{1}, {1, 2}})
	assert.Error(t, err)
}

func TestMeanDistance(t *testing.T) {
	assert.InDelta(t, 1.0, meanDistance([][]float64{{0, 0}, {1, 0}}), 1e-12)
	assert.Zero(t, meanDistance([][]float64{{0, 0}}))
}
