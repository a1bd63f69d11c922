// Package histogram implements binned observables: the normalized Histogram
// used for display and scoring, the moment-carrying Intermediate used for
// merging partial results, and the polynomial-fit form stored in the
// interpolation index.
package histogram

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
)

var (
	ErrIncompatibleMerge = errors.New("histogram: incompatible merge")
	ErrUnsupportedRebin  = errors.New("histogram: unsupported rebin")
	ErrNoComparableBins  = errors.New("histogram: no comparable bins")
	ErrMissingCoverage   = errors.New("histogram: reference missing coverage")
	ErrZeroDenominator   = errors.New("histogram: zero chi2 denominator")
	ErrBinMismatch       = errors.New("histogram: bin count mismatch")
	ErrZeroArea          = errors.New("histogram: zero area")
)

// MissingCoverageScore is the value reported for a histogram whose reference
// lacks coverage where the prediction has content (or vice versa).
const MissingCoverageScore = -11

// Histogram is a binned observable with asymmetric errors on both axes. Bin
// edges are implicit: bin i spans [X-XErrMinus, X+XErrPlus].
type Histogram struct {
	Name      string
	X         []float64
	XErrMinus []float64
	XErrPlus  []float64
	Y         []float64
	YErrMinus []float64
	YErrPlus  []float64
	Meta      map[string]string
}

// New allocates a histogram with n zeroed bins.
func New(name string, n int) *Histogram {
	return &Histogram{
		Name:      name,
		X:         make([]float64, n),
		XErrMinus: make([]float64, n),
		XErrPlus:  make([]float64, n),
		Y:         make([]float64, n),
		YErrMinus: make([]float64, n),
		YErrPlus:  make([]float64, n),
		Meta:      map[string]string{},
	}
}

// FromEdges builds an empty histogram whose bins span consecutive edges.
func FromEdges(name string, edges []float64) *Histogram {
	n := max(len(edges)-1, 0)
	h := New(name, n)
	for i := range n {
		h.X[i] = (edges[i] + edges[i+1]) / 2
		h.XErrMinus[i] = h.X[i] - edges[i]
		h.XErrPlus[i] = edges[i+1] - h.X[i]
	}
	return h
}

// Bins is the number of bins.
func (h *Histogram) Bins() int { return len(h.X) }

// Validate checks that all vectors share a length and x errors are
// non-negative.
func (h *Histogram) Validate() error {
	n := len(h.X)
	for _, v := range [][]float64{h.XErrMinus, h.XErrPlus, h.Y, h.YErrMinus, h.YErrPlus} {
		if len(v) != n {
			return fmt.Errorf("histogram %s: vector lengths differ", h.Name)
		}
	}
	for i := range n {
		if h.XErrMinus[i] < 0 || h.XErrPlus[i] < 0 {
			return fmt.Errorf("histogram %s: negative x error in bin %d", h.Name, i)
		}
	}
	return nil
}

// Edges returns the N+1 bin edges.
func (h *Histogram) Edges() []float64 {
	n := h.Bins()
	if n == 0 {
		return nil
	}
	e := make([]float64, n+1)
	e[0] = h.X[0] - h.XErrMinus[0]
	for i := range n {
		e[i+1] = h.X[i] + h.XErrPlus[i]
	}
	return e
}

// Area is the trapezoidal integral of y over the bin centers. A single-bin
// histogram integrates over its width.
func (h *Histogram) Area() float64 {
	n := h.Bins()
	switch n {
	case 0:
		return 0
	case 1:
		return h.Y[0] * (h.XErrMinus[0] + h.XErrPlus[0])
	}
	var a float64
	for i := 0; i < n-1; i++ {
		a += (h.X[i+1] - h.X[i]) * (h.Y[i] + h.Y[i+1]) / 2
	}
	return a
}

// IsNormalized reports whether the area is within tol of one.
func (h *Histogram) IsNormalized(tol float64) bool {
	return math.Abs(h.Area()-1) <= tol
}

// Normalize scales y and its errors so the area is one.
func (h *Histogram) Normalize() error {
	a := h.Area()
	if a == 0 || math.IsNaN(a) || math.IsInf(a, 0) {
		return fmt.Errorf("%w: %s", ErrZeroArea, h.Name)
	}
	s := 1 / a
	for i := range h.Y {
		h.Y[i] *= s
		h.YErrMinus[i] *= s
		h.YErrPlus[i] *= s
	}
	return nil
}

// IsEmpty reports whether every bin has zero content.
func (h *Histogram) IsEmpty() bool {
	for _, y := range h.Y {
		if y != 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		Name:      h.Name,
		X:         slices.Clone(h.X),
		XErrMinus: slices.Clone(h.XErrMinus),
		XErrPlus:  slices.Clone(h.XErrPlus),
		Y:         slices.Clone(h.Y),
		YErrMinus: slices.Clone(h.YErrMinus),
		YErrPlus:  slices.Clone(h.YErrPlus),
		Meta:      maps.Clone(h.Meta),
	}
}
