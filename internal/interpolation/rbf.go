package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Kernel is a radial basis function.
type Kernel string

const (
	Linear       Kernel = "linear"
	Cubic        Kernel = "cubic"
	Quintic      Kernel = "quintic"
	ThinPlate    Kernel = "thin_plate"
	Multiquadric Kernel = "multiquadric"
	Inverse      Kernel = "inverse"
	Gaussian     Kernel = "gaussian"
)

// ParseKernel validates a kernel name. The empty string selects Linear.
func ParseKernel(s string) (Kernel, error) {
	switch k := Kernel(s); k {
	case "":
		return Linear, nil
	case Linear, Cubic, Quintic, ThinPlate, Multiquadric, Inverse, Gaussian:
		return k, nil
	}
	return "", fmt.Errorf("interpolation: unknown rbf kernel %q", s)
}

func (k Kernel) phi(r, eps float64) float64 {
	switch k {
	case Cubic:
		return r * r * r
	case Quintic:
		return r * r * r * r * r
	case ThinPlate:
		if r == 0 {
			return 0
		}
		return r * r * math.Log(r)
	case Multiquadric:
		return math.Sqrt((r/eps)*(r/eps) + 1)
	case Inverse:
		return 1 / math.Sqrt((r/eps)*(r/eps)+1)
	case Gaussian:
		return math.Exp(-(r / eps) * (r / eps))
	default:
		return r
	}
}

// RBF configures a radial basis function interpolator. A zero Epsilon uses
// the mean pairwise distance of the nodes.
type RBF struct {
	Kernel  Kernel
	Epsilon float64
	Smooth  float64
}

// Interpolant evaluates a fitted RBF for every output channel at once.
type Interpolant struct {
	kernel  Kernel
	eps     float64
	nodes   [][]float64
	weights *mat.Dense
	single  []float64
}

// Fit solves for the weights of nodes[i] -> values[i]. All value rows must
// have the same length; each column is an output channel sharing the node
// matrix.
func (f RBF) Fit(nodes, values [][]float64) (*Interpolant, error) {
	n := len(nodes)
	if n == 0 {
		return nil, ErrInsufficientData
	}
	if len(values) != n {
		return nil, fmt.Errorf("interpolation: %d nodes, %d value rows", n, len(values))
	}
	m := len(values[0])
	if m == 0 {
		return nil, errors.New("interpolation: no output channels")
	}
	for i := range values {
		if len(values[i]) != m {
			return nil, fmt.Errorf("interpolation: value row %d has %d channels, want %d", i, len(values[i]), m)
		}
		if len(nodes[i]) != len(nodes[0]) {
			return nil, fmt.Errorf("interpolation: node %d has %d dimensions, want %d", i, len(nodes[i]), len(nodes[0]))
		}
	}

	kernel := f.Kernel
	if kernel == "" {
		kernel = Linear
	}
	ip := &Interpolant{kernel: kernel, nodes: nodes}
	if n == 1 {
		ip.single = append([]float64(nil), values[0]...)
		return ip, nil
	}

	ip.eps = f.Epsilon
	if ip.eps <= 0 {
		ip.eps = meanDistance(nodes)
	}
	if ip.eps <= 0 {
		ip.eps = 1
	}

	a := mat.NewDense(n, n, nil)
	for i := range n {
		for j := range n {
			v := kernel.phi(distance(nodes[i], nodes[j]), ip.eps)
			if i == j {
				v -= f.Smooth
			}
			a.Set(i, j, v)
		}
	}
	b := mat.NewDense(n, m, nil)
	for i, row := range values {
		b.SetRow(i, row)
	}

	var w mat.Dense
	if err := w.Solve(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) || math.IsNaN(float64(cond)) {
			return nil, fmt.Errorf("interpolation: solve rbf weights: %w", err)
		}
	}
	ip.weights = &w
	return ip, nil
}

// At evaluates every channel at x.
func (ip *Interpolant) At(x []float64) []float64 {
	if ip.single != nil {
		return append([]float64(nil), ip.single...)
	}
	n, m := ip.weights.Dims()
	phi := mat.NewVecDense(n, nil)
	for i, node := range ip.nodes {
		phi.SetVec(i, ip.kernel.phi(distance(x, node), ip.eps))
	}
	var out mat.VecDense
	out.MulVec(ip.weights.T(), phi)
	res := make([]float64, m)
	for j := range m {
		res[j] = out.AtVec(j)
	}
	return res
}

func distance(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

func meanDistance(nodes [][]float64) float64 {
	var sum float64
	var pairs int
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			sum += distance(nodes[i], nodes[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}
