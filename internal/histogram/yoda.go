package histogram

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// YodaFile is the content of a YODA text file. Binned HISTO1D objects become
// intermediates; SCATTER2D objects become histograms.
type YodaFile struct {
	Histograms []*Histogram
	Stats      []*Intermediate
}

// ReadYODA parses HISTO1D and SCATTER2D objects. Other object types are
// skipped. HISTO1D rows are "xlow xhigh sumw sumw2 sumwx sumwx2 numEntries";
// Total/Underflow/Overflow rows are ignored. SCATTER2D rows are
// "x xerr- xerr+ y yerr- yerr+".
func ReadYODA(r io.Reader) (*YodaFile, error) {
	f := &YodaFile{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		kind    string
		path    string
		attrs   map[string]string
		rows    [][]float64
		lineNum int
	)
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "BEGIN YODA_"):
			fields := strings.Fields(strings.TrimPrefix(line, "BEGIN YODA_"))
			kind = strings.SplitN(fields[0], "_V", 2)[0]
			path = ""
			if len(fields) > 1 {
				path = fields[1]
			}
			attrs, rows = map[string]string{}, nil
			continue
		case strings.HasPrefix(line, "END YODA_"):
			if err := f.add(kind, path, attrs, rows); err != nil {
				return nil, fmt.Errorf("histogram: yoda line %d: %w", lineNum, err)
			}
			kind = ""
			continue
		case kind == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "---"):
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == "Total" || fields[0] == "Underflow" || fields[0] == "Overflow" {
			continue
		}
		if !startsNumeric(line) {
			if k, v, ok := strings.Cut(line, "="); ok {
				attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
			} else if k, v, ok := strings.Cut(line, ":"); ok {
				attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("histogram: yoda line %d: %w", lineNum, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("histogram: read yoda: %w", err)
	}
	return f, nil
}

func (f *YodaFile) add(kind, path string, attrs map[string]string, rows [][]float64) error {
	if p, ok := attrs["Path"]; ok {
		path = p
	}
	switch kind {
	case "HISTO1D":
		m := NewIntermediate(path, len(rows))
		for i, r := range rows {
			if len(r) < 7 {
				return fmt.Errorf("histogram %s: row %d has %d columns, want 7", path, i, len(r))
			}
			m.XLow[i], m.XHigh[i] = r[0], r[1]
			m.SumW[i], m.SumW2[i], m.SumXW[i], m.SumX2W[i], m.Entries[i] = r[2], r[3], r[4], r[5], r[6]
			m.XFocus[i] = (r[0] + r[1]) / 2
			if r[2] != 0 {
				if fx := r[4] / r[2]; fx >= r[0] && fx <= r[1] {
					m.XFocus[i] = fx
				}
			}
		}
		for k, v := range attrs {
			m.Meta[k] = v
		}
		f.Stats = append(f.Stats, m)
	case "SCATTER2D":
		h := New(path, len(rows))
		for i, r := range rows {
			if len(r) < 6 {
				return fmt.Errorf("histogram %s: row %d has %d columns, want 6", path, i, len(r))
			}
			h.X[i], h.XErrMinus[i], h.XErrPlus[i] = r[0], r[1], r[2]
			h.Y[i], h.YErrMinus[i], h.YErrPlus[i] = r[3], r[4], r[5]
		}
		for k, v := range attrs {
			h.Meta[k] = v
		}
		if err := h.Validate(); err != nil {
			return err
		}
		f.Histograms = append(f.Histograms, h)
	}
	return nil
}
