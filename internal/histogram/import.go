package histogram

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName maps a histogram path to its reference file name: slashes become
// underscores and the FLAT extension is appended.
func FileName(name string) string {
	return strings.TrimPrefix(strings.ReplaceAll(name, "/", "_"), "_") + ".dat"
}

// ImportFile reads every histogram in a FLAT (.dat, .flat), YODA (.yoda) or
// AIDA (.aida, .xml) file. Moment-only objects are converted to densities.
func ImportFile(p string) ([]*Histogram, error) {
	f, err := os.Open(p) //nolint:gosec // operator-supplied import path
	if err != nil {
		return nil, fmt.Errorf("histogram: open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(p)) {
	case ".dat", ".flat":
		ff, err := ReadFlat(f)
		if err != nil {
			return nil, err
		}
		out := ff.Histograms
		for _, m := range ff.Stats {
			out = append(out, m.ToHistogram())
		}
		return out, nil
	case ".yoda":
		yf, err := ReadYODA(f)
		if err != nil {
			return nil, err
		}
		out := yf.Histograms
		for _, m := range yf.Stats {
			out = append(out, m.ToHistogram())
		}
		return out, nil
	case ".aida", ".xml":
		return ReadAIDA(f)
	default:
		return nil, fmt.Errorf("histogram: %s: unknown format", p)
	}
}
