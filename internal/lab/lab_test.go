package lab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/testutil"
)

const descriptor = `
id: 0F7C1A52-7B3E-4C55-9D1C-2E1D6A0B9F11
name: ee-zhad-91
beam: ee
process: zhad
energy: 91.2
generator: pythia8
version: "8.186"
events: 10000
repository:
  tag: v1
  type: git
  url: https://example.org/gen.git
tunables:
  - name: a
    min: 0
    max: 1
    default: 0.5
    decimals: 2
  - name: b
    min: 0
    max: 2
    default: 1
    decimals: 1
observables:
  - name: /ALEPH_1996_S3486095/d01-x01-y01
    logy: true
  - name: /ALEPH_1996_S3486095/d02-x01-y01
    fit_degree: 2
`

func TestParse(t *testing.T) {
	l, err := Parse([]byte(descriptor))
	require.NoError(t, err)

	assert.Equal(t, "0f7c1a52-7b3e-4c55-9d1c-2e1d6a0b9f11", l.ID)
	assert.Equal(t, int64(10000), l.Events)
	assert.Len(t, l.Tunables, 2)
	assert.Equal(t, DefaultFitDegree, l.Observables[0].Degree())
	assert.Equal(t, 2, l.Observables[1].Degree())
	assert.True(t, l.Observables[0].LogY)
}

func TestParseRejectsBadID(t *testing.T) {
	_, err := Parse([]byte("id: not-a-uuid\nevents: 10\n"))
	assert.Error(t, err)
}

func TestCanonicalize(t *testing.T) {
	l, err := Parse([]byte(descriptor))
	require.NoError(t, err)

	t.Run("clamp and round", func(t *testing.T) {
		tn, err := l.Canonicalize(map[string]float64{"a": 1.7, "b": 0.349})
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 0.3}, tn.Vector())
		assert.Equal(t, l.ID, tn.Lab)
	})

	t.Run("defaults", func(t *testing.T) {
		tn, err := l.Canonicalize(map[string]float64{})
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5, 1}, tn.Vector())
	})

	t.Run("unknown tunable", func(t *testing.T) {
		_, err := l.Canonicalize(map[string]float64{"c": 1})
		assert.Error(t, err)
	})
}

func TestJobConfig(t *testing.T) {
	l, err := Parse([]byte(descriptor))
	require.NoError(t, err)
	tn, err := l.Canonicalize(map[string]float64{"a": 0.3})
	require.NoError(t, err)

	cfg := l.JobConfig(tn, 5000, 42)
	assert.Equal(t, int64(5000), cfg.Events)
	assert.Equal(t, uint16(42), cfg.Seed)
	assert.Equal(t, 0.3, cfg.Tune["a"])
	assert.Equal(t, "git", cfg.RepoType)
	assert.Len(t, cfg.Histograms, 2)
}

func TestCatalogLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zhad.yaml"), []byte(descriptor), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600))

	c := NewCatalog(dir, testutil.TestLogger())
	require.NoError(t, c.Load())

	l, err := c.Get("0F7C1A52-7B3E-4C55-9D1C-2E1D6A0B9F11")
	require.NoError(t, err)
	assert.Equal(t, "ee-zhad-91", l.Name)
	assert.Len(t, c.List(), 1)

	_, err = c.Get("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrLabNotFound)
}

func TestGrid(t *testing.T) {
	l, err := Parse([]byte(descriptor))
	require.NoError(t, err)
	tn, err := l.Canonicalize(map[string]float64{"a": 0.35, "b": 1.5})
	require.NoError(t, err)

	id, err := l.Grid(10).NeighborhoodID(tn)
	require.NoError(t, err)
	assert.Equal(t, l.ID+":3_7", id)
}
