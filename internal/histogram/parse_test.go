package histogram

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flatSample = `# BEGIN METADATA
nevts=5000
crosssection=0.25
# END METADATA

# BEGIN HISTOGRAM /ALEPH_1996_S3486095/d01-x01-y01
AidaPath=/ALEPH_1996_S3486095/d01-x01-y01
Title=Thrust
## xlow xhigh val errminus errplus
0.0	0.5	2.0	0.1	0.2
0.5	1.0	1.0	0.1	0.1
# END HISTOGRAM

# BEGIN HISTOSTATS /ALEPH_1996_S3486095/d01-x01-y01
# xlow xfocus xhigh entries sumw sumw2 sumxw sumx2w
0.0 0.25 0.5 10 1.0 0.1 0.25 0.0625
0.5 0.75 1.0 20 0.5 0.05 0.375 0.28125
# END HISTOSTATS
`

func TestReadFlat(t *testing.T) {
	f, err := ReadFlat(strings.NewReader(flatSample))
	require.NoError(t, err)
	require.Len(t, f.Histograms, 1)
	require.Len(t, f.Stats, 1)

	h := f.Histograms[0]
	assert.Equal(t, "/ALEPH_1996_S3486095/d01-x01-y01", h.Name)
	assert.Equal(t, []float64{0.25, 0.75}, h.X)
	assert.Equal(t, []float64{2, 1}, h.Y)
	assert.Equal(t, []float64{0.2, 0.1}, h.YErrPlus)
	assert.Equal(t, "Thrust", h.Meta["Title"])
	assert.Equal(t, "5000", h.Meta["nevts"], "file metadata is inherited")

	m := f.Stats[0]
	assert.Equal(t, []float64{10, 20}, m.Entries)
	nevts, xsec, ok := m.Stats()
	require.True(t, ok)
	assert.Equal(t, uint64(5000), nevts)
	assert.Equal(t, 0.25, xsec)
}

func TestReadFlatUnterminated(t *testing.T) {
	_, err := ReadFlat(strings.NewReader("# BEGIN HISTOGRAM /x\n0 1 1 0 0\n"))
	assert.Error(t, err)
}

func TestWriteFlatRoundTrip(t *testing.T) {
	h := uniform("/A/h", 1, 2, 3)
	h.Meta["Title"] = "t"
	var buf bytes.Buffer
	require.NoError(t, WriteFlat(&buf, h))

	f, err := ReadFlat(&buf)
	require.NoError(t, err)
	require.Len(t, f.Histograms, 1)
	assert.Equal(t, h.Y, f.Histograms[0].Y)
	assert.Equal(t, h.Edges(), f.Histograms[0].Edges())
	assert.Equal(t, "t", f.Histograms[0].Meta["Title"])
}

const yodaSample = `BEGIN YODA_HISTO1D_V2 /MC/h1
Path=/MC/h1
Type=Histo1D
---
# Mean: 1.0
# ID	 ID	 sumw	 sumw2	 sumwx	 sumwx2	 numEntries
Total   	Total   	3	3	3	3	3
Underflow	Underflow	0	0	0	0	0
Overflow	Overflow	0	0	0	0	0
# xlow	 xhigh	 sumw	 sumw2	 sumwx	 sumwx2	 numEntries
0	1	1	1	0.5	0.25	1
1	2	2	2	3	4.5	2
END YODA_HISTO1D_V2

BEGIN YODA_SCATTER2D /REF/h1
Path=/REF/h1
# xval	 xerr-	 xerr+	 yval	 yerr-	 yerr+
0.5	0.5	0.5	1	0.1	0.1
1.5	0.5	0.5	2	0.2	0.2
END YODA_SCATTER2D
`

func TestReadYODA(t *testing.T) {
	f, err := ReadYODA(strings.NewReader(yodaSample))
	require.NoError(t, err)
	require.Len(t, f.Stats, 1)
	require.Len(t, f.Histograms, 1)

	m := f.Stats[0]
	assert.Equal(t, "/MC/h1", m.Name)
	assert.Equal(t, []float64{1, 2}, m.SumW)
	assert.Equal(t, []float64{1, 2}, m.Entries)
	assert.Equal(t, []float64{0.5, 1.5}, m.XFocus)

	h := f.Histograms[0]
	assert.Equal(t, "/REF/h1", h.Name)
	assert.Equal(t, []float64{0, 1, 2}, h.Edges())
}

const aidaSample = `<?xml version="1.0" encoding="ISO-8859-1" ?>
<aida version="3.3">
  <dataPointSet name="d01-x01-y01" dimension="2" path="/REF/ALEPH_1996_S3486095" title="Thrust">
    <dimension dim="0" title="T" />
    <dimension dim="1" title="dN/dT" />
    <dataPoint>
      <measurement errorPlus="0.005" value="0.005" errorMinus="0.005"/>
      <measurement errorPlus="0.3" value="4.2" errorMinus="0.2"/>
    </dataPoint>
    <dataPoint>
      <measurement errorPlus="0.005" value="0.015" errorMinus="0.005"/>
      <measurement errorPlus="0.1" value="2.1" errorMinus="0.1"/>
    </dataPoint>
  </dataPointSet>
</aida>
`

func TestReadAIDA(t *testing.T) {
	hs, err := ReadAIDA(strings.NewReader(aidaSample))
	require.NoError(t, err)
	require.Len(t, hs, 1)
	h := hs[0]
	assert.Equal(t, "/ALEPH_1996_S3486095/d01-x01-y01", h.Name)
	assert.Equal(t, []float64{4.2, 2.1}, h.Y)
	assert.Equal(t, []float64{0.2, 0.1}, h.YErrMinus)
	assert.Equal(t, "Thrust", h.Meta["Title"])
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ref.aida")
	require.NoError(t, os.WriteFile(p, []byte(aidaSample), 0o600))
	hs, err := ImportFile(p)
	require.NoError(t, err)
	assert.Len(t, hs, 1)

	p = filepath.Join(dir, "run.yoda")
	require.NoError(t, os.WriteFile(p, []byte(yodaSample), 0o600))
	hs, err = ImportFile(p)
	require.NoError(t, err)
	assert.Len(t, hs, 2)

	_, err = ImportFile(filepath.Join(dir, "x.root"))
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "ALEPH_1996_S3486095_d01-x01-y01.dat", FileName("/ALEPH_1996_S3486095/d01-x01-y01"))
}
