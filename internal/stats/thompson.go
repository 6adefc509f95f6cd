package stats

import (
	"math"
	"math/rand"
)

// Arm is one variant's posterior as seen by the Thompson sampler.
// Impressions is carried only to detect the all-zero-data case.
type Arm struct {
	Name        string
	Alpha       float64
	Beta        float64
	Impressions int64
}

// Sampler runs Monte Carlo Thompson Sampling over a set of Beta arms.
type Sampler struct {
	Samples int
}

// NewSampler returns a Sampler drawing n samples per arm.
func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{Samples: n}
}

// Allocate returns each arm's probability of being best, as percentages
// rounded to two decimals and summing to exactly 100.00. The result is
// index-aligned with arms.
//
// The RNG is constructed locally from seed: concurrent allocations never
// interleave draws, and a fixed (arms, seed, Samples) triple is
// bit-reproducible. Argmax ties go to the earlier arm in the input.
//
// Edge cases: empty input yields an empty result; if every arm has zero
// impressions the split is uniform, the first arm absorbing the rounding
// residue.
func (s *Sampler) Allocate(arms []Arm, seed uint32) []float64 {
	if len(arms) == 0 {
		return []float64{}
	}

	var totalImpressions int64
	for _, a := range arms {
		totalImpressions += a.Impressions
	}
	if totalImpressions == 0 {
		return uniformSplit(len(arms))
	}

	rng := rand.New(rand.NewSource(int64(seed)))

	// Arm-major draw order is part of the determinism contract.
	draws := make([][]float64, len(arms))
	for i, arm := range arms {
		draws[i] = make([]float64, s.Samples)
		for j := range draws[i] {
			draws[i][j] = betaSample(rng, arm.Alpha, arm.Beta)
		}
	}

	wins := make([]int, len(arms))
	for j := 0; j < s.Samples; j++ {
		best := 0
		bestVal := draws[0][j]
		for i := 1; i < len(arms); i++ {
			if draws[i][j] > bestVal {
				best = i
				bestVal = draws[i][j]
			}
		}
		wins[best]++
	}

	return sharesFromWins(wins, s.Samples)
}

// sharesFromWins converts win counts to percentages. All arithmetic is
// done in integer centi-percent so the final float64 values are exact
// multiples of 0.01 that sum to exactly 100.00; the largest share
// absorbs the rounding residue.
func sharesFromWins(wins []int, samples int) []float64 {
	centi := make([]int64, len(wins))
	var sum int64
	for i, w := range wins {
		centi[i] = int64(math.Round(float64(w) / float64(samples) * 10000))
		sum += centi[i]
	}
	if sum != 10000 {
		largest := 0
		for i := 1; i < len(centi); i++ {
			if centi[i] > centi[largest] {
				largest = i
			}
		}
		centi[largest] += 10000 - sum
	}
	out := make([]float64, len(centi))
	for i, c := range centi {
		out[i] = float64(c) / 100
	}
	return out
}

func uniformSplit(n int) []float64 {
	centi := make([]int64, n)
	share := int64(math.Round(10000 / float64(n)))
	var sum int64
	for i := range centi {
		centi[i] = share
		sum += share
	}
	centi[0] += 10000 - sum
	out := make([]float64, n)
	for i, c := range centi {
		out[i] = float64(c) / 100
	}
	return out
}

// betaSample draws one value from Beta(alpha, beta) as a ratio of two
// gamma variates.
func betaSample(rng *rand.Rand, alpha, beta float64) float64 {
	ga := gammaSample(rng, alpha)
	gb := gammaSample(rng, beta)
	if ga+gb == 0 {
		return 0
	}
	return ga / (ga + gb)
}

// gammaSample draws from Gamma(shape, 1) using Marsaglia-Tsang; shapes
// below one use the boosting identity Gamma(a) = Gamma(a+1) * U^(1/a).
func gammaSample(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return gammaSample(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
