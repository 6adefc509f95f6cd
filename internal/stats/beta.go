// Package stats implements the pure statistical kernel behind traffic
// allocation: Beta-Bernoulli posteriors, Wilson score intervals,
// deterministic seed derivation, and the Monte Carlo Thompson sampler.
// Nothing in this package performs I/O or touches global state.
package stats

import "math"

// Posterior returns the Beta posterior parameters for a click-through
// rate given a Beta(priorAlpha, priorBeta) prior and observed counts.
//
//	alpha = priorAlpha + clicks
//	beta  = priorBeta + impressions - clicks
//
// Both results are strictly positive for any valid prior and any
// 0 <= clicks <= impressions.
func Posterior(priorAlpha, priorBeta float64, impressions, clicks int64) (alpha, beta float64) {
	alpha = priorAlpha + float64(clicks)
	beta = priorBeta + float64(impressions-clicks)
	return alpha, beta
}

// Interval is a two-sided confidence interval for a proportion.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

const (
	wilsonZ  = 1.96
	wilsonZ2 = wilsonZ * wilsonZ
)

// WilsonInterval returns the Wilson score 95% interval for a proportion
// of clicks out of impressions. Returns nil when impressions is zero:
// with no trials there is no interval to report.
func WilsonInterval(clicks, impressions int64) *Interval {
	if impressions <= 0 {
		return nil
	}
	n := float64(impressions)
	p := float64(clicks) / n

	denom := 1 + wilsonZ2/n
	center := (p + wilsonZ2/(2*n)) / denom
	margin := (wilsonZ / denom) * math.Sqrt(p*(1-p)/n+wilsonZ2/(4*n*n))

	lower := center - margin
	upper := center + margin
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}
	return &Interval{Lower: lower, Upper: upper}
}
