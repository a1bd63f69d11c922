package tune

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultCells is the number of quantization buckets per axis.
const DefaultCells = 10

// Axis is the declared range of one tunable.
type Axis struct {
	Name string
	Min  float64
	Max  float64
}

// Grid quantizes a lab's parameter space into neighborhoods. Each axis is cut
// into Cells equal buckets over [Min, Max].
type Grid struct {
	Lab   string
	Axes  []Axis
	Cells int
}

// Cell is a neighborhood coordinate, one bucket index per axis.
type Cell []int

func (g Grid) cells() int {
	if g.Cells <= 0 {
		return DefaultCells
	}
	return g.Cells
}

// Cell returns the bucket coordinate of t. Values outside an axis range land in
// the nearest edge bucket.
func (g Grid) Cell(t Tune) (Cell, error) {
	if len(t.Params) != len(g.Axes) {
		return nil, fmt.Errorf("tune: grid has %d axes, tune has %d values", len(g.Axes), len(t.Params))
	}
	n := g.cells()
	c := make(Cell, len(g.Axes))
	for i, ax := range g.Axes {
		if t.Params[i].Name != ax.Name {
			return nil, fmt.Errorf("tune: axis %d is %q, tune has %q", i, ax.Name, t.Params[i].Name)
		}
		span := ax.Max - ax.Min
		if span <= 0 {
			continue
		}
		idx := int(math.Floor((t.Params[i].Value - ax.Min) / span * float64(n)))
		c[i] = min(max(idx, 0), n-1)
	}
	return c, nil
}

// ID renders the neighborhood identifier of a cell: "<lab>:<i>_<j>_...".
func (g Grid) ID(c Cell) string {
	var b strings.Builder
	b.WriteString(g.Lab)
	b.WriteByte(':')
	for i, v := range c {
		if i > 0 {
			b.WriteByte('_')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// NeighborhoodID is shorthand for ID(Cell(t)).
func (g Grid) NeighborhoodID(t Tune) (string, error) {
	c, err := g.Cell(t)
	if err != nil {
		return "", err
	}
	return g.ID(c), nil
}

// ParseID is the inverse of ID. The lab must match the grid.
func (g Grid) ParseID(id string) (Cell, error) {
	lab, coords, ok := strings.Cut(id, ":")
	if !ok || lab != g.Lab {
		return nil, fmt.Errorf("tune: neighborhood %q not in lab %s", id, g.Lab)
	}
	if coords == "" {
		if len(g.Axes) == 0 {
			return Cell{}, nil
		}
		return nil, fmt.Errorf("tune: neighborhood %q has no coordinates", id)
	}
	parts := strings.Split(coords, "_")
	if len(parts) != len(g.Axes) {
		return nil, fmt.Errorf("tune: neighborhood %q has %d coordinates, want %d", id, len(parts), len(g.Axes))
	}
	c := make(Cell, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("tune: neighborhood %q: %w", id, err)
		}
		c[i] = v
	}
	return c, nil
}

// Distance is the Chebyshev distance between two cells: the ring number of b
// around a.
func Distance(a, b Cell) int {
	d := 0
	for i := range a {
		if i >= len(b) {
			break
		}
		d = max(d, abs(a[i]-b[i]))
	}
	return d
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
