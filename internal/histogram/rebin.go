package histogram

import (
	"fmt"
	"maps"
	"math"
)

const edgeTolerance = 1e-9

func sameEdge(a, b float64) bool {
	return math.Abs(a-b) <= edgeTolerance*max(1, math.Abs(a), math.Abs(b))
}

// RebinTo merges adjacent bins so the result matches the reference edges.
// Input bins wholly outside the reference range are dropped. A reference bin
// that cannot be formed as a union of consecutive input bins fails with
// ErrUnsupportedRebin; bins are never split.
func (m *Intermediate) RebinTo(edges []float64) (*Intermediate, error) {
	if len(edges) < 2 {
		return nil, fmt.Errorf("%w: %s: reference has no bins", ErrUnsupportedRebin, m.Name)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	nref := len(edges) - 1
	if m.Bins() == nref {
		match := true
		for i := range nref {
			if !sameEdge(m.XLow[i], edges[i]) || !sameEdge(m.XHigh[i], edges[i+1]) {
				match = false
				break
			}
		}
		if match {
			return m.Clone(), nil
		}
	}

	out := NewIntermediate(m.Name, nref)
	out.Meta = maps.Clone(m.Meta)
	if out.Meta == nil {
		out.Meta = map[string]string{}
	}

	i := 0
	for i < m.Bins() && (m.XHigh[i] < edges[0] || sameEdge(m.XHigh[i], edges[0])) {
		i++
	}
	for j := range nref {
		lo, hi := edges[j], edges[j+1]
		if i >= m.Bins() || !sameEdge(m.XLow[i], lo) {
			return nil, fmt.Errorf("%w: %s: no input bin starts at %g", ErrUnsupportedRebin, m.Name, lo)
		}
		out.XLow[j], out.XHigh[j] = lo, hi
		for {
			if i >= m.Bins() {
				return nil, fmt.Errorf("%w: %s: input ends inside [%g, %g]", ErrUnsupportedRebin, m.Name, lo, hi)
			}
			if m.XHigh[i] > hi && !sameEdge(m.XHigh[i], hi) {
				return nil, fmt.Errorf("%w: %s: bin [%g, %g] straddles edge %g", ErrUnsupportedRebin, m.Name, m.XLow[i], m.XHigh[i], hi)
			}
			out.Entries[j] += m.Entries[i]
			out.SumW[j] += m.SumW[i]
			out.SumW2[j] += m.SumW2[i]
			out.SumXW[j] += m.SumXW[i]
			out.SumX2W[j] += m.SumX2W[i]
			done := sameEdge(m.XHigh[i], hi)
			i++
			if done {
				break
			}
			if i < m.Bins() && !sameEdge(m.XLow[i], m.XHigh[i-1]) {
				return nil, fmt.Errorf("%w: %s: gap after %g", ErrUnsupportedRebin, m.Name, m.XHigh[i-1])
			}
		}
		if out.SumW[j] != 0 {
			out.XFocus[j] = out.SumXW[j] / out.SumW[j]
		}
		if out.SumW[j] == 0 || out.XFocus[j] < lo || out.XFocus[j] > hi {
			out.XFocus[j] = (lo + hi) / 2
		}
	}
	return out, nil
}
