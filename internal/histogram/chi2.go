package histogram

import "fmt"

// DefaultUncertainty is the relative theory uncertainty added to every bin.
const DefaultUncertainty = 0.05

// Chi2ToReference scores h (the prediction) against ref (the data). Each bin
// contributes (T-D)^2 / (sD^2 + sT^2 + (u*T)^2), where each sigma is the error
// on the side facing the other value. Bins empty in both are skipped. The
// result is the mean over contributing bins.
func (h *Histogram) Chi2ToReference(ref *Histogram, uncertainty float64) (float64, error) {
	if h.Bins() != ref.Bins() {
		return 0, fmt.Errorf("%w: %s has %d bins, reference has %d", ErrBinMismatch, h.Name, h.Bins(), ref.Bins())
	}

	var sum float64
	var n int
	for i := range h.Y {
		t, d := h.Y[i], ref.Y[i]
		if t == 0 && d == 0 {
			continue
		}
		if t == 0 || d == 0 {
			return 0, fmt.Errorf("%w: %s bin %d", ErrMissingCoverage, h.Name, i)
		}

		var sd, st float64
		if t > d {
			sd, st = ref.YErrPlus[i], h.YErrMinus[i]
		} else {
			sd, st = ref.YErrMinus[i], h.YErrPlus[i]
		}
		denom := sd*sd + st*st + (uncertainty*t)*(uncertainty*t)
		if denom == 0 {
			return 0, fmt.Errorf("%w: %s bin %d", ErrZeroDenominator, h.Name, i)
		}
		sum += (t - d) * (t - d) / denom
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoComparableBins, h.Name)
	}
	return sum / float64(n), nil
}
