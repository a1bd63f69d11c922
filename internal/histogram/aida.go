package histogram

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

type aidaDoc struct {
	Sets []aidaSet `xml:"dataPointSet"`
}

type aidaSet struct {
	Name   string      `xml:"name,attr"`
	Path   string      `xml:"path,attr"`
	Title  string      `xml:"title,attr"`
	Dim    int         `xml:"dimension,attr"`
	Points []aidaPoint `xml:"dataPoint"`
}

type aidaPoint struct {
	Measurements []aidaMeasurement `xml:"measurement"`
}

type aidaMeasurement struct {
	Value      float64 `xml:"value,attr"`
	ErrorPlus  float64 `xml:"errorPlus,attr"`
	ErrorMinus float64 `xml:"errorMinus,attr"`
}

// ReadAIDA parses the two-dimensional dataPointSets of an AIDA XML document.
// The histogram name is the set path joined with its name, with a leading
// "/REF" removed.
func ReadAIDA(r io.Reader) ([]*Histogram, error) {
	var doc aidaDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("histogram: decode aida: %w", err)
	}
	out := make([]*Histogram, 0, len(doc.Sets))
	for _, s := range doc.Sets {
		if s.Dim != 0 && s.Dim != 2 {
			continue
		}
		name := strings.TrimPrefix(path.Join(s.Path, s.Name), "/REF")
		h := New(name, len(s.Points))
		for i, p := range s.Points {
			if len(p.Measurements) < 2 {
				return nil, fmt.Errorf("histogram %s: point %d has %d measurements", name, i, len(p.Measurements))
			}
			x, y := p.Measurements[0], p.Measurements[1]
			h.X[i], h.XErrMinus[i], h.XErrPlus[i] = x.Value, x.ErrorMinus, x.ErrorPlus
			h.Y[i], h.YErrMinus[i], h.YErrPlus[i] = y.Value, y.ErrorMinus, y.ErrorPlus
		}
		if s.Title != "" {
			h.Meta["Title"] = s.Title
		}
		if err := h.Validate(); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
