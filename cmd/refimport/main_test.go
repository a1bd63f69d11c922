package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlhc/tunelab/internal/histogram"
)

func writeSource(t *testing.T, dir string) string {
	t.Helper()
	a := histogram.FromEdges("/REF/ALEPH_1996_S3486095/d01-x01-y01", []float64{0, 1, 2})
	a.Y[0], a.Y[1] = 3, 4
	a.YErrMinus[0], a.YErrPlus[0] = 0.1, 0.1
	a.YErrMinus[1], a.YErrPlus[1] = 0.2, 0.2
	b := histogram.FromEdges("/ALEPH_1996_S3486095/d02-x01-y01", []float64{0, 5})
	b.Y[0] = 1

	p := filepath.Join(dir, "aleph.dat")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, histogram.WriteFlat(f, a, b))
	require.NoError(t, f.Close())
	return p
}

func TestRunWritesOneFilePerHistogram(t *testing.T) {
	src := writeSource(t, t.TempDir())
	out := filepath.Join(t.TempDir(), "ref")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := run(out, false, []string{src}, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := os.Open(filepath.Join(out, "ALEPH_1996_S3486095_d01-x01-y01.dat"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	ff, err := histogram.ReadFlat(f)
	require.NoError(t, err)
	require.Len(t, ff.Histograms, 1)
	h := ff.Histograms[0]
	assert.Equal(t, "/ALEPH_1996_S3486095/d01-x01-y01", h.Name)
	assert.Equal(t, []float64{3, 4}, h.Y)

	assert.FileExists(t, filepath.Join(out, "ALEPH_1996_S3486095_d02-x01-y01.dat"))
}

func TestRunKeepsExistingUnlessForced(t *testing.T) {
	src := writeSource(t, t.TempDir())
	out := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := run(out, false, []string{src}, logger)
	require.NoError(t, err)

	n, err := run(out, false, []string{src}, logger)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = run(out, true, []string{src}, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunUnknownFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	_, err := run(t.TempDir(), false, []string{p}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
