package histogram

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
)

// IntermediateCollection is the unit an agent streams back: one intermediate
// per observable plus an opaque state byte.
type IntermediateCollection struct {
	State      uint8
	Histograms map[string]*Intermediate
}

// NewIntermediateCollection returns an empty collection.
func NewIntermediateCollection() *IntermediateCollection {
	return &IntermediateCollection{Histograms: map[string]*Intermediate{}}
}

// Add inserts or replaces a histogram.
func (c *IntermediateCollection) Add(m *Intermediate) {
	if c.Histograms == nil {
		c.Histograms = map[string]*Intermediate{}
	}
	c.Histograms[m.Name] = m
}

// Names returns the histogram names in sorted order.
func (c *IntermediateCollection) Names() []string {
	names := make([]string, 0, len(c.Histograms))
	for n := range c.Histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NEvts is the largest event count among the histograms. Every histogram of a
// well-formed collection carries the same value.
func (c *IntermediateCollection) NEvts() uint64 {
	var n uint64
	for _, m := range c.Histograms {
		if v, _, ok := m.Stats(); ok {
			n = max(n, v)
		}
	}
	return n
}

// Trim drops histograms whose name is not in keep.
func (c *IntermediateCollection) Trim(keep []string) {
	want := make(map[string]bool, len(keep))
	for _, n := range keep {
		want[n] = true
	}
	for n := range c.Histograms {
		if !want[n] {
			delete(c.Histograms, n)
		}
	}
}

// ToHistograms converts every intermediate, in name order.
func (c *IntermediateCollection) ToHistograms() []*Histogram {
	out := make([]*Histogram, 0, len(c.Histograms))
	for _, n := range c.Names() {
		out = append(out, c.Histograms[n].ToHistogram())
	}
	return out
}

// MergeCollections merges histograms by name across collections. Each name
// in any input is merged over the inputs that carry it. When those disagree,
// the contributors incompatible with the last one are left out and reported
// in the joined error; the merged collection is always returned.
func MergeCollections(cols []*IntermediateCollection) (*IntermediateCollection, error) {
	out := NewIntermediateCollection()
	if len(cols) == 0 {
		return out, nil
	}
	out.State = cols[len(cols)-1].State

	names := make(map[string]struct{})
	for _, c := range cols {
		for n := range c.Histograms {
			names[n] = struct{}{}
		}
	}
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(names)) {
		parts := make([]*Intermediate, 0, len(cols))
		for _, c := range cols {
			if m, ok := c.Histograms[name]; ok {
				parts = append(parts, m)
			}
		}
		merged, err := Merge(parts)
		if err != nil {
			errs = append(errs, fmt.Errorf("merge %s: %w", name, err))
			if merged, err = Merge(compatible(parts)); err != nil {
				continue
			}
		}
		out.Add(merged)
	}
	return out, errors.Join(errs...)
}

// compatible keeps the well-formed parts binned like the last one.
func compatible(parts []*Intermediate) []*Intermediate {
	last := parts[len(parts)-1]
	out := make([]*Intermediate, 0, len(parts))
	for _, m := range parts {
		if _, _, ok := m.Stats(); !ok || m.Validate() != nil || m.Bins() != last.Bins() {
			continue
		}
		out = append(out, m)
	}
	return out
}
