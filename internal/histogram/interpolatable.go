package histogram

import (
	"fmt"
	"slices"

	"github.com/vlhc/tunelab/internal/tune"
)

// InterpolatableCollection is the unit stored in the interpolation index: a
// tune plus the concatenated polynomial coefficients of several histograms.
// Meta[i] describes the i-th slice of Coefficients.
type InterpolatableCollection struct {
	Tune         tune.Tune
	Coefficients []float64
	Meta         []FitMeta
}

// DegreeFunc returns the fit degree and y transform for a histogram name.
type DegreeFunc func(name string) (degree int, logY bool)

// FromHistograms fits every histogram and concatenates the coefficients in
// the order given.
func FromHistograms(t tune.Tune, hists []*Histogram, degreeOf DegreeFunc) (*InterpolatableCollection, error) {
	c := &InterpolatableCollection{Tune: t}
	for _, h := range hists {
		deg, logY := degreeOf(h.Name)
		f, err := h.PolyFit(deg, logY)
		if err != nil {
			return nil, err
		}
		c.Coefficients = append(c.Coefficients, f.Coefficients()...)
		c.Meta = append(c.Meta, f.Meta)
	}
	return c, nil
}

// Validate checks that the metadata slices cover the coefficient array.
func (c *InterpolatableCollection) Validate() error {
	total := 0
	for _, m := range c.Meta {
		if m.Degree < 0 {
			return fmt.Errorf("histogram %s: negative degree", m.Name)
		}
		total += m.Len()
	}
	if total != len(c.Coefficients) {
		return fmt.Errorf("histogram: metadata covers %d coefficients, collection has %d", total, len(c.Coefficients))
	}
	return nil
}

// Names returns the histogram names in storage order.
func (c *InterpolatableCollection) Names() []string {
	names := make([]string, len(c.Meta))
	for i, m := range c.Meta {
		names[i] = m.Name
	}
	return names
}

// Fits splits the coefficient array into per-histogram fits.
func (c *InterpolatableCollection) Fits() ([]Fit, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fits := make([]Fit, 0, len(c.Meta))
	off := 0
	for _, m := range c.Meta {
		f, err := SplitFit(c.Coefficients[off:off+m.Len()], m)
		if err != nil {
			return nil, err
		}
		fits = append(fits, f)
		off += m.Len()
	}
	return fits, nil
}

// Histograms regenerates every histogram from its coefficients.
func (c *InterpolatableCollection) Histograms() ([]*Histogram, error) {
	fits, err := c.Fits()
	if err != nil {
		return nil, err
	}
	out := make([]*Histogram, 0, len(fits))
	for _, f := range fits {
		h, err := FromFit(f)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Subset returns a collection restricted to the named histograms, preserving
// storage order. An empty list returns a copy of the whole collection.
func (c *InterpolatableCollection) Subset(names []string) *InterpolatableCollection {
	out := &InterpolatableCollection{Tune: c.Tune}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	off := 0
	for _, m := range c.Meta {
		end := off + m.Len()
		if len(names) == 0 || want[m.Name] {
			if end <= len(c.Coefficients) {
				out.Coefficients = append(out.Coefficients, c.Coefficients[off:end]...)
				out.Meta = append(out.Meta, m)
			}
		}
		off = end
	}
	if out.Coefficients == nil {
		out.Coefficients = []float64{}
	}
	out.Meta = slices.Clip(out.Meta)
	return out
}
