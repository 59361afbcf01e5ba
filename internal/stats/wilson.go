package stats

import "math"

// WilsonInterval calculates the Wilson score confidence interval
// for a binomial proportion. It behaves better than the normal
// approximation for small samples and rates near 0 or 1.
func WilsonInterval(successes, trials int64, confidence float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	p := float64(successes) / float64(trials)
	n := float64(trials)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore returns the two-sided critical value for a confidence level,
// e.g. 0.95 -> 1.96.
func ZScore(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.645
	case 0.95:
		return 1.96
	case 0.99:
		return 2.576
	}
	if confidence <= 0 {
		return 0
	}
	if confidence >= 1 {
		return math.Inf(1)
	}
	// Inverse of the normal CDF via the inverse complementary error function.
	return math.Sqrt2 * math.Erfinv(confidence)
}
