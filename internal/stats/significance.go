// Package stats provides informational statistics for variant comparisons.
// None of it gates a winner: the runtime only reports these numbers.
package stats

import "math"

// Arm is one variant's observed counts.
type Arm struct {
	Key         string
	Visitors    int64
	Conversions int64
	Control     bool
}

// ArmStats contains statistics for a single arm
type ArmStats struct {
	Key     string  `json:"key"`
	Rate    float64 `json:"rate"` // 0-1
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
	// ConfidenceVsControl is the z-test confidence (0-1) that this arm beats
	// the control. The control itself reports 0.5.
	ConfidenceVsControl float64 `json:"confidence_vs_control"`
}

// Compare computes Wilson intervals at the given confidence and the z-test
// confidence of each arm against the control. The first arm flagged Control
// is the baseline, else the first arm.
func Compare(arms []Arm, confidence float64) []ArmStats {
	out := make([]ArmStats, len(arms))
	if len(arms) == 0 {
		return out
	}

	control := 0
	for i, a := range arms {
		if a.Control {
			control = i
			break
		}
	}
	base := arms[control]

	for i, a := range arms {
		lower, upper := WilsonInterval(a.Conversions, a.Visitors, confidence)
		rate := 0.0
		if a.Visitors > 0 {
			rate = float64(a.Conversions) / float64(a.Visitors)
		}
		vs := 0.5
		if i != control {
			vs = SignificanceTest(a.Conversions, a.Visitors, base.Conversions, base.Visitors)
		}
		out[i] = ArmStats{Key: a.Key, Rate: rate, CILower: lower, CIUpper: upper, ConfidenceVsControl: vs}
	}
	return out
}

// SignificanceTest performs a two-proportion z-test.
// Returns confidence level (0-1) that arm A beats arm B.
func SignificanceTest(aConv, aViews, bConv, bViews int64) float64 {
	// Need data from both arms
	if aViews == 0 || bViews == 0 {
		return 0.5
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)

	// Pooled proportion under the null hypothesis
	pooled := float64(aConv+bConv) / float64(aViews+bViews)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(aViews) + 1/float64(bViews)))

	if se == 0 {
		switch {
		case pA > pB:
			return 1
		case pA < pB:
			return 0
		default:
			return 0.5
		}
	}

	return normalCDF((pA - pB) / se)
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
