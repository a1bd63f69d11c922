package histogram

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
)

// Metadata keys carried by intermediate histograms.
const (
	MetaNEvts        = "nevts"
	MetaCrossSection = "crosssection"
)

// Intermediate carries the raw per-bin moments of a partial result so that
// several partial results can be weighted-summed.
type Intermediate struct {
	Name    string
	XLow    []float64
	XFocus  []float64
	XHigh   []float64
	Entries []float64
	SumW    []float64
	SumW2   []float64
	SumXW   []float64
	SumX2W  []float64
	Meta    map[string]string
}

// NewIntermediate allocates n zeroed bins.
func NewIntermediate(name string, n int) *Intermediate {
	return &Intermediate{
		Name:    name,
		XLow:    make([]float64, n),
		XFocus:  make([]float64, n),
		XHigh:   make([]float64, n),
		Entries: make([]float64, n),
		SumW:    make([]float64, n),
		SumW2:   make([]float64, n),
		SumXW:   make([]float64, n),
		SumX2W:  make([]float64, n),
		Meta:    map[string]string{},
	}
}

// EmptyIntermediate is a zero-content placeholder over the given edges.
func EmptyIntermediate(name string, edges []float64) *Intermediate {
	n := max(len(edges)-1, 0)
	m := NewIntermediate(name, n)
	for i := range n {
		m.XLow[i] = edges[i]
		m.XHigh[i] = edges[i+1]
		m.XFocus[i] = (edges[i] + edges[i+1]) / 2
	}
	m.SetStats(0, 0)
	return m
}

// Bins is the number of bins.
func (m *Intermediate) Bins() int { return len(m.XLow) }

// Validate checks every vector has the same length.
func (m *Intermediate) Validate() error {
	n := len(m.XLow)
	for _, v := range [][]float64{m.XFocus, m.XHigh, m.Entries, m.SumW, m.SumW2, m.SumXW, m.SumX2W} {
		if len(v) != n {
			return fmt.Errorf("histogram %s: intermediate vector lengths differ", m.Name)
		}
	}
	return nil
}

// Edges returns the N+1 bin edges.
func (m *Intermediate) Edges() []float64 {
	n := m.Bins()
	if n == 0 {
		return nil
	}
	e := make([]float64, n+1)
	copy(e, m.XLow)
	e[n] = m.XHigh[n-1]
	return e
}

// Stats returns nevts and crosssection. ok is false when either is missing
// or unparsable.
func (m *Intermediate) Stats() (nevts uint64, xsec float64, ok bool) {
	ns, ok1 := m.Meta[MetaNEvts]
	xs, ok2 := m.Meta[MetaCrossSection]
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(ns, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, x, true
}

// SetStats records nevts and crosssection in the metadata.
func (m *Intermediate) SetStats(nevts uint64, xsec float64) {
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	m.Meta[MetaNEvts] = strconv.FormatUint(nevts, 10)
	m.Meta[MetaCrossSection] = strconv.FormatFloat(xsec, 'g', -1, 64)
}

// ToHistogram converts moments to densities:
// y = SumW/width, yErr = sqrt(SumW2)/width.
func (m *Intermediate) ToHistogram() *Histogram {
	n := m.Bins()
	h := New(m.Name, n)
	for i := range n {
		w := m.XHigh[i] - m.XLow[i]
		h.X[i] = m.XFocus[i]
		h.XErrMinus[i] = m.XFocus[i] - m.XLow[i]
		h.XErrPlus[i] = m.XHigh[i] - m.XFocus[i]
		if w > 0 {
			h.Y[i] = m.SumW[i] / w
			e := math.Sqrt(m.SumW2[i]) / w
			h.YErrMinus[i] = e
			h.YErrPlus[i] = e
		}
	}
	h.Meta = maps.Clone(m.Meta)
	if h.Meta == nil {
		h.Meta = map[string]string{}
	}
	return h
}

// FromHistogram reconstructs the y moments of a density histogram. The x
// moments are derived from the bin focus; Entries is the effective entry
// count SumW^2/SumW2.
func FromHistogram(h *Histogram) *Intermediate {
	n := h.Bins()
	m := NewIntermediate(h.Name, n)
	for i := range n {
		m.XLow[i] = h.X[i] - h.XErrMinus[i]
		m.XHigh[i] = h.X[i] + h.XErrPlus[i]
		m.XFocus[i] = h.X[i]
		w := m.XHigh[i] - m.XLow[i]
		m.SumW[i] = h.Y[i] * w
		e := (h.YErrMinus[i] + h.YErrPlus[i]) / 2 * w
		m.SumW2[i] = e * e
		m.SumXW[i] = m.SumW[i] * m.XFocus[i]
		m.SumX2W[i] = m.SumW[i] * m.XFocus[i] * m.XFocus[i]
		if m.SumW2[i] > 0 {
			m.Entries[i] = m.SumW[i] * m.SumW[i] / m.SumW2[i]
		}
	}
	m.Meta = maps.Clone(h.Meta)
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	return m
}

// Clone returns a deep copy.
func (m *Intermediate) Clone() *Intermediate {
	return &Intermediate{
		Name:    m.Name,
		XLow:    slices.Clone(m.XLow),
		XFocus:  slices.Clone(m.XFocus),
		XHigh:   slices.Clone(m.XHigh),
		Entries: slices.Clone(m.Entries),
		SumW:    slices.Clone(m.SumW),
		SumW2:   slices.Clone(m.SumW2),
		SumXW:   slices.Clone(m.SumXW),
		SumX2W:  slices.Clone(m.SumX2W),
		Meta:    maps.Clone(m.Meta),
	}
}

// Merge folds compatible intermediates into one. Each contributor is weighted
// by its share of the total event count; entries add up unweighted. Inputs
// must agree on bin count and carry nevts and crosssection.
func Merge(list []*Intermediate) (*Intermediate, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrIncompatibleMerge)
	}
	first := list[0]
	n := first.Bins()

	nevts := make([]uint64, len(list))
	xsecs := make([]float64, len(list))
	var total uint64
	for k, m := range list {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompatibleMerge, err)
		}
		if m.Bins() != n {
			return nil, fmt.Errorf("%w: %s has %d bins, %s has %d", ErrIncompatibleMerge, first.Name, n, m.Name, m.Bins())
		}
		ne, xs, ok := m.Stats()
		if !ok {
			return nil, fmt.Errorf("%w: %s lacks nevts/crosssection", ErrIncompatibleMerge, m.Name)
		}
		nevts[k], xsecs[k] = ne, xs
		total += ne
	}

	out := NewIntermediate(first.Name, n)
	copy(out.XLow, first.XLow)
	copy(out.XFocus, first.XFocus)
	copy(out.XHigh, first.XHigh)
	for key, v := range first.Meta {
		out.Meta[key] = v
	}

	var xsec float64
	for k, m := range list {
		w := 1 / float64(len(list))
		if total > 0 {
			w = float64(nevts[k]) / float64(total)
		}
		xsec += w * xsecs[k]
		for i := range n {
			out.Entries[i] += m.Entries[i]
			out.SumW[i] += w * m.SumW[i]
			out.SumW2[i] += w * w * m.SumW2[i]
			out.SumXW[i] += w * m.SumXW[i]
			out.SumX2W[i] += w * m.SumX2W[i]
		}
	}
	out.SetStats(total, xsec)
	return out, nil
}
