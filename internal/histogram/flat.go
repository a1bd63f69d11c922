package histogram

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// FlatFile is the content of one FLAT text file.
type FlatFile struct {
	Meta       map[string]string
	Histograms []*Histogram
	Stats      []*Intermediate
}

// ReadFlat parses the FLAT text format: optional METADATA, HISTOGRAM and
// HISTOSTATS sections delimited by "# BEGIN <KIND> [path]" / "# END <KIND>".
// HISTOGRAM rows are "xlow xhigh y yerr- yerr+"; HISTOSTATS rows are
// "xlow xfocus xhigh entries sumw sumw2 sumxw sumx2w". File metadata is
// copied into every histogram.
func ReadFlat(r io.Reader) (*FlatFile, error) {
	f := &FlatFile{Meta: map[string]string{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		kind    string
		name    string
		attrs   map[string]string
		rows    [][]float64
		lineNum int
	)
	flush := func() error {
		switch kind {
		case "HISTOGRAM":
			h, err := flatHistogram(name, attrs, rows)
			if err != nil {
				return err
			}
			f.Histograms = append(f.Histograms, h)
		case "HISTOSTATS":
			m, err := flatStats(name, attrs, rows)
			if err != nil {
				return err
			}
			f.Stats = append(f.Stats, m)
		}
		kind, name, attrs, rows = "", "", nil, nil
		return nil
	}

	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# BEGIN ") {
			fields := strings.Fields(strings.TrimPrefix(line, "# BEGIN "))
			kind = fields[0]
			if len(fields) > 1 {
				name = fields[1]
			}
			attrs = map[string]string{}
			continue
		}
		if strings.HasPrefix(line, "# END ") {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("histogram: flat line %d: %w", lineNum, err)
			}
			continue
		}
		if strings.HasPrefix(line, "#") || kind == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && !startsNumeric(line) {
			if kind == "METADATA" {
				f.Meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
			} else {
				attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("histogram: flat line %d: %w", lineNum, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("histogram: read flat: %w", err)
	}
	if kind != "" {
		return nil, fmt.Errorf("histogram: flat: unterminated %s section", kind)
	}

	for _, h := range f.Histograms {
		mergeMeta(h.Meta, f.Meta)
	}
	for _, m := range f.Stats {
		mergeMeta(m.Meta, f.Meta)
	}
	return f, nil
}

func mergeMeta(dst, src map[string]string) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

func startsNumeric(line string) bool {
	c := line[0]
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.'
}

func parseRow(line string) ([]float64, error) {
	fields := strings.Fields(line)
	row := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		row[i] = v
	}
	return row, nil
}

func sectionName(name string, attrs map[string]string) string {
	if p, ok := attrs["AidaPath"]; ok {
		return p
	}
	if p, ok := attrs["Path"]; ok {
		return p
	}
	return name
}

func flatHistogram(name string, attrs map[string]string, rows [][]float64) (*Histogram, error) {
	h := New(sectionName(name, attrs), len(rows))
	for i, r := range rows {
		if len(r) < 5 {
			return nil, fmt.Errorf("histogram %s: row %d has %d columns, want 5", h.Name, i, len(r))
		}
		h.X[i] = (r[0] + r[1]) / 2
		h.XErrMinus[i] = h.X[i] - r[0]
		h.XErrPlus[i] = r[1] - h.X[i]
		h.Y[i], h.YErrMinus[i], h.YErrPlus[i] = r[2], r[3], r[4]
	}
	for k, v := range attrs {
		h.Meta[k] = v
	}
	return h, h.Validate()
}

func flatStats(name string, attrs map[string]string, rows [][]float64) (*Intermediate, error) {
	m := NewIntermediate(sectionName(name, attrs), len(rows))
	for i, r := range rows {
		if len(r) < 8 {
			return nil, fmt.Errorf("histogram %s: stats row %d has %d columns, want 8", m.Name, i, len(r))
		}
		m.XLow[i], m.XFocus[i], m.XHigh[i] = r[0], r[1], r[2]
		m.Entries[i], m.SumW[i], m.SumW2[i], m.SumXW[i], m.SumX2W[i] = r[3], r[4], r[5], r[6], r[7]
	}
	for k, v := range attrs {
		m.Meta[k] = v
	}
	return m, nil
}

// WriteFlat renders histograms as HISTOGRAM sections.
func WriteFlat(w io.Writer, hists ...*Histogram) error {
	bw := bufio.NewWriter(w)
	for _, h := range hists {
		fmt.Fprintf(bw, "# BEGIN HISTOGRAM %s\n", h.Name)
		fmt.Fprintf(bw, "AidaPath=%s\n", h.Name)
		keys := make([]string, 0, len(h.Meta))
		for k := range h.Meta {
			if k != "AidaPath" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(bw, "%s=%s\n", k, h.Meta[k])
		}
		fmt.Fprintln(bw, "## xlow\txhigh\tval\terrminus\terrplus")
		for i := range h.X {
			fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\n",
				fmtFloat(h.X[i]-h.XErrMinus[i]), fmtFloat(h.X[i]+h.XErrPlus[i]),
				fmtFloat(h.Y[i]), fmtFloat(h.YErrMinus[i]), fmtFloat(h.YErrPlus[i]))
		}
		fmt.Fprint(bw, "# END HISTOGRAM\n\n")
	}
	return bw.Flush()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
