package pricing

import (
	"math/bits"
)

const (
	// Scale is the fixed-point scale factor: 1.0 is represented as Scale.
	Scale = 1_000_000

	// Ln2 is ln(2) scaled by Scale.
	Ln2 = 693_147

	// bpsMax is the basis point denominator (100% = 10000).
	bpsMax = 10_000
)

// Ln returns ln(x)·Scale for an unscaled integer x.
// ln(0) and ln(1) are 0 by convention.
//
// x is split as 2^k·m with m in [1, 2); ln(m) comes from the first five
// terms of the Taylor series around 1. The truncated series ends on a
// positive term, so the result overshoots, by up to about 2% just below
// powers of two where m approaches 2. Ln(2^k-1) can exceed Ln(2^k).
func Ln(x uint64) uint64 {
	if x <= 1 {
		return 0
	}

	hi, m := bits.Mul64(x, Scale)
	var k uint64

	// Halve the 128-bit product until it fits, then continue in 64 bits.
	for hi > 0 {
		m = m>>1 | hi<<63
		hi >>= 1
		k++
	}

	for m >= 2*Scale {
		m >>= 1
		k++
	}

	u := m - Scale
	u2 := u * u / Scale
	u3 := u2 * u / Scale
	u4 := u3 * u / Scale
	u5 := u4 * u / Scale

	return k*Ln2 + u + u3/3 + u5/5 - u2/2 - u4/4
}

// Exp returns e^(x/Scale)·Scale using three Taylor terms: 1 + x + x²/2 + x³/6.
// Accurate for arguments up to about Scale; larger ones undershoot.
func Exp(x uint64) (uint64, error) {
	x2, err := mulDiv(x, x, Scale)
	if err != nil {
		return 0, err
	}

	x3, err := mulDiv(x2, x, Scale)
	if err != nil {
		return 0, err
	}

	sum := uint64(Scale)
	for _, term := range []uint64{x, x2 / 2, x3 / 6} {
		if sum, err = checkedAdd(sum, term); err != nil {
			return 0, err
		}
	}

	return sum, nil
}

// Pow returns base^(coefficientBps/10000)·Scale as exp(ln(base)·coefficient).
// A coefficient of exactly 10000 returns base·Scale without approximation.
func Pow(base, coefficientBps uint64) (uint64, error) {
	if coefficientBps == bpsMax {
		return mulDiv(base, Scale, 1)
	}

	exponent, err := mulDiv(Ln(base), coefficientBps, bpsMax)
	if err != nil {
		return 0, err
	}

	return Exp(exponent)
}

// mulDiv returns a·b/d truncated, failing if the result does not fit 64 bits.
func mulDiv(a, b, d uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrOverflow
	}

	q, _ := bits.Div64(hi, lo, d)

	return q, nil
}

// checkedAdd returns a+b or ErrOverflow.
func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}

	return sum, nil
}
