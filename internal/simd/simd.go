// Package simd holds scalar fast-math approximations for the per-cell hot
// loop that turns model scores into probabilities.
package simd

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast(x float64) float64 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	// exp(x) = 2^(x * log2(e))
	// log2(e) ≈ 1.4426950408889634
	const log2e = 1.4426950408889634

	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// Polynomial approximation for 2^f where f in [0, 1)
	// 2^f ≈ 1 + f*ln(2) + f^2*ln(2)^2/2 + ...
	// Simplified: 2^f ≈ 1 + 0.6931*f + 0.2401*f^2 + 0.0554*f^3
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	// Multiply by 2^k using bit manipulation
	if k >= 0 && k < 1024 {
		return p * float64(uint64(1)<<k)
	}
	if k < 0 && k > -1024 {
		return p / float64(uint64(1)<<(-k))
	}
	return p
}

// SigmoidFast is a fast approximation of 1/(1+exp(-x)), the per-class
// probability transform. Saturated scores short-circuit so the exp
// approximation only runs on the curved region.
func SigmoidFast(x float64) float64 {
	if x > 36 {
		return 1
	}
	if x < -36 {
		return 0
	}
	return 1.0 / (1.0 + ExpFast(-x))
}
