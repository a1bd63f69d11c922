// Package lab loads lab descriptors: the fixed generator configuration plus
// the tunables a user may vary and the observables a run produces.
package lab

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/vlhc/tunelab/internal/tune"
)

// ErrLabNotFound is returned when a lab id is not in the catalog.
var ErrLabNotFound = errors.New("lab: not found")

// DefaultFitDegree is used for observables that do not declare one.
const DefaultFitDegree = 4

// Tunable describes one user-adjustable generator parameter.
type Tunable struct {
	Name        string  `yaml:"name" json:"name"`
	Short       string  `yaml:"short" json:"short,omitempty"`
	Group       string  `yaml:"group" json:"group,omitempty"`
	Subgroup    string  `yaml:"subgroup" json:"subgroup,omitempty"`
	Units       string  `yaml:"units" json:"units,omitempty"`
	Description string  `yaml:"description" json:"description,omitempty"`
	Min         float64 `yaml:"min" json:"min"`
	Max         float64 `yaml:"max" json:"max"`
	Default     float64 `yaml:"default" json:"default"`
	Decimals    int     `yaml:"decimals" json:"decimals"`
}

// Observable describes one histogram a run of the lab produces.
type Observable struct {
	Name         string `yaml:"name" json:"name"`
	Short        string `yaml:"short" json:"short,omitempty"`
	Group        string `yaml:"group" json:"group,omitempty"`
	Subgroup     string `yaml:"subgroup" json:"subgroup,omitempty"`
	XLabel       string `yaml:"xlabel" json:"xlabel,omitempty"`
	YLabel       string `yaml:"ylabel" json:"ylabel,omitempty"`
	LogY         bool   `yaml:"logy" json:"logy"`
	Process      string `yaml:"process" json:"process,omitempty"`
	Cuts         string `yaml:"cuts" json:"cuts,omitempty"`
	Params       string `yaml:"params" json:"params,omitempty"`
	Accelerators string `yaml:"accelerators" json:"accelerators,omitempty"`
	FitDegree    *int   `yaml:"fit_degree" json:"fit_degree,omitempty"`
}

// Degree is the polynomial degree used when the observable is stored in the
// interpolation index.
func (o Observable) Degree() int {
	if o.FitDegree == nil {
		return DefaultFitDegree
	}
	return *o.FitDegree
}

// Repository locates the generator software for agents.
type Repository struct {
	Tag  string `yaml:"tag" json:"tag"`
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`
}

// Lab is an immutable simulation configuration.
type Lab struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Beam        string       `yaml:"beam" json:"beam"`
	Process     string       `yaml:"process" json:"process"`
	Energy      float64      `yaml:"energy" json:"energy"`
	Generator   string       `yaml:"generator" json:"generator"`
	Version     string       `yaml:"version" json:"version"`
	Params      string       `yaml:"params" json:"params,omitempty"`
	Specific    string       `yaml:"specific" json:"specific,omitempty"`
	Events      int64        `yaml:"events" json:"events"`
	Repository  Repository   `yaml:"repository" json:"repository"`
	Tunables    []Tunable    `yaml:"tunables" json:"tunables"`
	Observables []Observable `yaml:"observables" json:"observables"`
}

// Validate checks the descriptor is usable.
func (l *Lab) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lab: id is required")
	}
	if l.Events <= 0 {
		return fmt.Errorf("lab %s: events budget must be positive", l.ID)
	}
	seen := make(map[string]bool, len(l.Tunables))
	for _, t := range l.Tunables {
		if t.Name == "" {
			return fmt.Errorf("lab %s: tunable without a name", l.ID)
		}
		if seen[t.Name] {
			return fmt.Errorf("lab %s: duplicate tunable %q", l.ID, t.Name)
		}
		seen[t.Name] = true
		if t.Max < t.Min {
			return fmt.Errorf("lab %s: tunable %s has max < min", l.ID, t.Name)
		}
	}
	for _, o := range l.Observables {
		if o.FitDegree != nil && *o.FitDegree < 0 {
			return fmt.Errorf("lab %s: observable %s has negative fit degree", l.ID, o.Name)
		}
	}
	return nil
}

// Canonicalize turns user-supplied values into the lab's canonical tune:
// missing tunables take their default, values are clamped to the declared
// range and rounded to the declared precision. Unknown names are rejected.
func (l *Lab) Canonicalize(values map[string]float64) (tune.Tune, error) {
	known := make(map[string]bool, len(l.Tunables))
	for _, t := range l.Tunables {
		known[t.Name] = true
	}
	var unknown []string
	for name := range values {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return tune.Tune{}, fmt.Errorf("lab %s: unknown tunables %v", l.ID, unknown)
	}

	t := tune.Tune{Lab: l.ID, Params: make([]tune.Param, len(l.Tunables))}
	for i, desc := range l.Tunables {
		v, ok := values[desc.Name]
		if !ok || math.IsNaN(v) {
			v = desc.Default
		}
		v = min(max(v, desc.Min), desc.Max)
		t.Params[i] = tune.Param{Name: desc.Name, Value: round(v, desc.Decimals), Decimals: desc.Decimals}
	}
	return t, nil
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Grid returns the neighborhood grid over the lab's tunable ranges.
func (l *Lab) Grid(cells int) tune.Grid {
	g := tune.Grid{Lab: l.ID, Cells: cells, Axes: make([]tune.Axis, len(l.Tunables))}
	for i, t := range l.Tunables {
		g.Axes[i] = tune.Axis{Name: t.Name, Min: t.Min, Max: t.Max}
	}
	return g
}

// Observable looks up an observable by histogram name.
func (l *Lab) Observable(name string) (Observable, bool) {
	for _, o := range l.Observables {
		if o.Name == name {
			return o, true
		}
	}
	return Observable{}, false
}

// HistogramNames returns the declared observable names in order.
func (l *Lab) HistogramNames() []string {
	names := make([]string, len(l.Observables))
	for i, o := range l.Observables {
		names[i] = o.Name
	}
	return names
}
