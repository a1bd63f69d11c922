// Package tune models points in a lab's tunable parameter space and the grid
// used to shard the interpolation index into neighborhoods.
package tune

import (
	"strconv"
	"strings"
)

// Param is one tunable value. Decimals is the precision declared by the lab;
// equality and keys are computed on the value formatted to that precision.
type Param struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Decimals int     `json:"decimals"`
}

// Formatted returns the value rendered at the declared precision.
func (p Param) Formatted() string {
	return Format(p.Value, p.Decimals)
}

// Tune is an ordered assignment of values to a lab's tunables.
type Tune struct {
	Lab    string  `json:"lab"`
	Params []Param `json:"tune"`
}

// Format renders v with exactly decimals fractional digits. Negative decimals
// fall back to the shortest round-trip representation.
func Format(v float64, decimals int) string {
	if decimals < 0 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	if s == "-"+strconv.FormatFloat(0, 'f', decimals, 64) {
		s = s[1:]
	}
	return s
}

// Key is the canonical string form of the tune: the lab followed by every
// name=value pair in declaration order.
func (t Tune) Key() string {
	var b strings.Builder
	b.WriteString(t.Lab)
	for _, p := range t.Params {
		b.WriteByte('|')
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Formatted())
	}
	return b.String()
}

// Equal reports whether both tunes share a lab and every formatted value.
func (t Tune) Equal(o Tune) bool {
	if t.Lab != o.Lab || len(t.Params) != len(o.Params) {
		return false
	}
	for i := range t.Params {
		if t.Params[i].Name != o.Params[i].Name || t.Params[i].Formatted() != o.Params[i].Formatted() {
			return false
		}
	}
	return true
}

// IsZero reports whether the tune carries no lab or no values.
func (t Tune) IsZero() bool {
	return t.Lab == "" || len(t.Params) == 0
}

// Vector returns the parameter values in declaration order.
func (t Tune) Vector() []float64 {
	v := make([]float64, len(t.Params))
	for i, p := range t.Params {
		v[i] = p.Value
	}
	return v
}

// Names returns the parameter names in declaration order.
func (t Tune) Names() []string {
	n := make([]string, len(t.Params))
	for i, p := range t.Params {
		n[i] = p.Name
	}
	return n
}

// Value looks up a parameter by name.
func (t Tune) Value(name string) (float64, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Map returns the tune as a name to value mapping.
func (t Tune) Map() map[string]float64 {
	m := make(map[string]float64, len(t.Params))
	for _, p := range t.Params {
		m[p.Name] = p.Value
	}
	return m
}
