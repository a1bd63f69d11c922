package histogram

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// FitMeta carries what FromFit needs to rebuild a histogram from its
// coefficients: the binning, the abscissa scaling and the y transform.
// Degree is the padded degree, so a histogram's coefficient slice is always
// 3*(Degree+1) long.
type FitMeta struct {
	Name       string            `json:"name"`
	X          []float64         `json:"x"`
	XErrMinus  []float64         `json:"xerr_minus"`
	XErrPlus   []float64         `json:"xerr_plus"`
	Degree     int               `json:"degree"`
	LogY       bool              `json:"logy"`
	Center     float64           `json:"center"`
	Scale      float64           `json:"scale"`
	Empty      bool              `json:"empty,omitempty"`
	NoErrPlus  bool              `json:"no_err_plus,omitempty"`
	NoErrMinus bool              `json:"no_err_minus,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Len is the number of coefficients this histogram occupies.
func (m FitMeta) Len() int { return 3 * (m.Degree + 1) }

// Fit is the polynomial form of one histogram. Coefficients are in
// ascending powers of the scaled abscissa.
type Fit struct {
	Central []float64
	Plus    []float64
	Minus   []float64
	Meta    FitMeta
}

// Coefficients concatenates the three channels.
func (f Fit) Coefficients() []float64 {
	out := make([]float64, 0, 3*len(f.Central))
	out = append(out, f.Central...)
	out = append(out, f.Plus...)
	return append(out, f.Minus...)
}

// SplitFit is the inverse of Coefficients.
func SplitFit(coeffs []float64, meta FitMeta) (Fit, error) {
	if len(coeffs) != meta.Len() {
		return Fit{}, fmt.Errorf("histogram %s: %d coefficients, want %d", meta.Name, len(coeffs), meta.Len())
	}
	k := meta.Degree + 1
	return Fit{
		Central: slices.Clone(coeffs[:k]),
		Plus:    slices.Clone(coeffs[k : 2*k]),
		Minus:   slices.Clone(coeffs[2*k:]),
		Meta:    meta,
	}, nil
}

// PolyFit fits the central values and both y errors with polynomials of the
// given degree. The central channel is weighted by inverse bin error; bins
// with zero content are skipped. When logY is set each channel is fitted in
// log space. The effective degree drops to usable bins minus one and the
// result is padded with zeros.
func (h *Histogram) PolyFit(degree int, logY bool) (Fit, error) {
	if degree < 0 {
		return Fit{}, fmt.Errorf("histogram %s: negative fit degree", h.Name)
	}
	if err := h.Validate(); err != nil {
		return Fit{}, err
	}

	meta := FitMeta{
		Name:      h.Name,
		X:         slices.Clone(h.X),
		XErrMinus: slices.Clone(h.XErrMinus),
		XErrPlus:  slices.Clone(h.XErrPlus),
		Degree:    degree,
		LogY:      logY,
		Scale:     1,
		Meta:      maps.Clone(h.Meta),
	}
	if n := h.Bins(); n > 0 {
		lo, hi := slices.Min(h.X), slices.Max(h.X)
		meta.Center = (lo + hi) / 2
		if hi > lo {
			meta.Scale = (hi - lo) / 2
		}
	}

	var u, central, cw, plus, minus []float64
	var up, um []float64
	for i, y := range h.Y {
		if y == 0 || math.IsNaN(y) || (logY && y < 0) {
			continue
		}
		ui := (h.X[i] - meta.Center) / meta.Scale
		sigma := (h.YErrMinus[i] + h.YErrPlus[i]) / 2
		v := y
		if logY {
			v = math.Log(y)
			sigma /= y
		}
		u = append(u, ui)
		central = append(central, v)
		if sigma > 0 {
			cw = append(cw, 1/sigma)
		} else {
			cw = append(cw, 1)
		}

		if e, ok := channelValue(h.YErrPlus[i], logY); ok {
			up = append(up, ui)
			plus = append(plus, e)
		}
		if e, ok := channelValue(h.YErrMinus[i], logY); ok {
			um = append(um, ui)
			minus = append(minus, e)
		}
	}

	fit := Fit{Meta: meta}
	if len(u) == 0 {
		fit.Meta.Empty = true
		fit.Central = make([]float64, degree+1)
		fit.Plus = make([]float64, degree+1)
		fit.Minus = make([]float64, degree+1)
		return fit, nil
	}

	var err error
	if fit.Central, err = polyfit(u, central, cw, degree); err != nil {
		return Fit{}, fmt.Errorf("histogram %s: central: %w", h.Name, err)
	}
	if fit.Plus, err = polyfit(up, plus, nil, degree); err != nil {
		return Fit{}, fmt.Errorf("histogram %s: +err: %w", h.Name, err)
	}
	if fit.Minus, err = polyfit(um, minus, nil, degree); err != nil {
		return Fit{}, fmt.Errorf("histogram %s: -err: %w", h.Name, err)
	}
	fit.Meta.NoErrPlus = logY && len(up) == 0
	fit.Meta.NoErrMinus = logY && len(um) == 0
	return fit, nil
}

func channelValue(e float64, logY bool) (float64, bool) {
	if math.IsNaN(e) {
		return 0, false
	}
	if logY {
		if e <= 0 {
			return 0, false
		}
		return math.Log(e), true
	}
	return e, true
}

// polyfit solves the weighted least-squares problem for ascending
// coefficients, returning exactly degree+1 values. A rank-deficient system
// retries at a lower degree.
func polyfit(u, v, w []float64, degree int) ([]float64, error) {
	out := make([]float64, degree+1)
	if len(u) == 0 {
		return out, nil
	}
	for d := min(degree, len(u)-1); d >= 0; d-- {
		a := mat.NewDense(len(u), d+1, nil)
		b := mat.NewVecDense(len(u), nil)
		for i := range u {
			wi := 1.0
			if w != nil {
				wi = w[i]
			}
			p := wi
			for j := 0; j <= d; j++ {
				a.Set(i, j, p)
				p *= u[i]
			}
			b.SetVec(i, wi*v[i])
		}
		var x mat.VecDense
		if err := x.SolveVec(a, b); err != nil {
			continue
		}
		for j := 0; j <= d; j++ {
			out[j] = x.AtVec(j)
		}
		return out, nil
	}
	return nil, fmt.Errorf("least squares did not converge")
}

func polyval(c []float64, u float64) float64 {
	var y float64
	for j := len(c) - 1; j >= 0; j-- {
		y = y*u + c[j]
	}
	return y
}

// FromFit evaluates the three channels on the stored binning.
func FromFit(f Fit) (*Histogram, error) {
	m := f.Meta
	n := len(m.X)
	if len(m.XErrMinus) != n || len(m.XErrPlus) != n {
		return nil, fmt.Errorf("histogram %s: fit metadata binning is inconsistent", m.Name)
	}
	k := m.Degree + 1
	if len(f.Central) != k || len(f.Plus) != k || len(f.Minus) != k {
		return nil, fmt.Errorf("histogram %s: fit has wrong coefficient count", m.Name)
	}

	h := New(m.Name, n)
	copy(h.X, m.X)
	copy(h.XErrMinus, m.XErrMinus)
	copy(h.XErrPlus, m.XErrPlus)
	h.Meta = maps.Clone(m.Meta)
	if h.Meta == nil {
		h.Meta = map[string]string{}
	}
	if m.Empty {
		return h, nil
	}
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	for i := range n {
		u := (m.X[i] - m.Center) / scale
		h.Y[i] = evalChannel(f.Central, u, m.LogY, false)
		h.YErrPlus[i] = max(evalChannel(f.Plus, u, m.LogY, m.NoErrPlus), 0)
		h.YErrMinus[i] = max(evalChannel(f.Minus, u, m.LogY, m.NoErrMinus), 0)
	}
	return h, nil
}

func evalChannel(c []float64, u float64, logY, absent bool) float64 {
	if absent {
		return 0
	}
	v := polyval(c, u)
	if logY {
		return math.Exp(v)
	}
	return v
}
