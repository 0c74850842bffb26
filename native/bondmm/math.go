package bondmm

import (
	"fmt"
	"math/big"
)

// All quantities in this file are fixed-point integers at wad (1e18) scale.
// Division rounds half up so repeated conversions do not drift downward.

var (
	wad     = mustBigInt("1000000000000000000")
	halfWad = new(big.Int).Rsh(wad, 1)
	twoWad  = new(big.Int).Lsh(wad, 1)

	// ln2Wad is ln 2 truncated to wad precision, used for range reduction
	// in expWad and lnWad.
	ln2Wad = mustBigInt("693147180559945309")

	// maxExpInput bounds the magnitude of the expWad argument. Beyond 130
	// the result has no meaning for pool accounting, so the primitive fails
	// closed instead of producing an astronomically scaled integer.
	maxExpInput = mustBigInt("130000000000000000000")
)

const wadBitLen = 60

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// wadMul multiplies two wad values, rounding half away from zero.
func wadMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	if product.Sign() >= 0 {
		product.Add(product, halfWad)
	} else {
		product.Sub(product, halfWad)
	}
	return product.Quo(product, wad)
}

// wadDiv divides two wad values, rounding half away from zero. A zero
// divisor is a domain error.
func wadDiv(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil || b.Sign() == 0 {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	numerator := new(big.Int).Mul(a, wad)
	half := new(big.Int).Abs(b)
	half.Rsh(half, 1)
	if numerator.Sign()*b.Sign() >= 0 {
		numerator.Add(numerator, half)
	} else {
		numerator.Sub(numerator, half)
	}
	return numerator.Quo(numerator, b), nil
}

// expWad computes e^x for a wad-scaled x, positive or negative. The
// argument is range-reduced by ln 2 so the Maclaurin series only ever runs
// on a remainder in [0, ln 2), where thirty terms reach wad precision.
func expWad(x *big.Int) (*big.Int, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil exp input", ErrArithmetic)
	}
	if x.Sign() == 0 {
		return new(big.Int).Set(wad), nil
	}
	if x.CmpAbs(maxExpInput) > 0 {
		return nil, fmt.Errorf("%w: exp input %s out of domain", ErrArithmetic, x)
	}

	// x = k*ln2 + r with r in [0, ln2). big.Int.Div floors against a
	// positive divisor, so the decomposition holds for negative x too.
	k := new(big.Int).Div(x, ln2Wad)
	r := new(big.Int).Sub(x, new(big.Int).Mul(k, ln2Wad))

	sum := new(big.Int).Set(wad)
	term := new(big.Int).Set(wad)
	for n := int64(1); n <= 32; n++ {
		term.Mul(term, r)
		term.Quo(term, wad)
		term.Quo(term, big.NewInt(n))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}

	if k.Sign() >= 0 {
		sum.Lsh(sum, uint(k.Uint64()))
		return sum, nil
	}
	shift := uint(new(big.Int).Neg(k).Uint64())
	round := new(big.Int).Lsh(big.NewInt(1), shift-1)
	sum.Add(sum, round)
	sum.Rsh(sum, shift)
	return sum, nil
}

// lnWad computes the natural logarithm of a wad-scaled x > 0. The mantissa
// is normalised to [1, 2) and expanded with the atanh series, whose ratio
// term never exceeds one third there.
func lnWad(x *big.Int) (*big.Int, error) {
	if x == nil || x.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ln of non-positive value", ErrArithmetic)
	}

	k := x.BitLen() - wadBitLen
	m := scaleByPow2(x, k)
	if m.Cmp(wad) < 0 {
		k--
		m = scaleByPow2(x, k)
	}

	// ln(m) = 2*atanh(z) with z = (m-wad)/(m+wad).
	num := new(big.Int).Sub(m, wad)
	den := new(big.Int).Add(m, wad)
	z, err := wadDiv(num, den)
	if err != nil {
		return nil, err
	}
	zSquared := wadMul(z, z)

	sum := new(big.Int).Set(z)
	power := new(big.Int).Set(z)
	for n := int64(3); n <= 41; n += 2 {
		power = wadMul(power, zSquared)
		if power.Sign() == 0 {
			break
		}
		sum.Add(sum, new(big.Int).Quo(power, big.NewInt(n)))
	}
	sum.Lsh(sum, 1)

	return sum.Add(sum, new(big.Int).Mul(big.NewInt(int64(k)), ln2Wad)), nil
}

// scaleByPow2 returns x * 2^-k rounded half up, computed from the original
// operand in one step so normalisation never accumulates shift error.
func scaleByPow2(x *big.Int, k int) *big.Int {
	if k <= 0 {
		return new(big.Int).Lsh(x, uint(-k))
	}
	m := new(big.Int).Add(x, new(big.Int).Lsh(big.NewInt(1), uint(k-1)))
	return m.Rsh(m, uint(k))
}

// powWad computes x^y for wad-scaled x > 0 and signed wad-scaled y.
func powWad(x, y *big.Int) (*big.Int, error) {
	lx, err := lnWad(x)
	if err != nil {
		return nil, err
	}
	return expWad(wadMul(y, lx))
}

// alphaWad computes the maturity sensitivity alpha(t) = 1/(1 + kappa*t) for
// a wad-scaled time to maturity in years.
func alphaWad(t *big.Int) (*big.Int, error) {
	if t == nil || t.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative time to maturity", ErrArithmetic)
	}
	den := new(big.Int).Add(wad, wadMul(kappa, t))
	return wadDiv(wad, den)
}

// kFactor computes K(t, r*) = exp(-t * r* * alpha(t)).
func kFactor(t, anchorRate *big.Int) (*big.Int, error) {
	alpha, err := alphaWad(t)
	if err != nil {
		return nil, err
	}
	exponent := wadMul(wadMul(t, anchorRate), alpha)
	return expWad(exponent.Neg(exponent))
}

// rateWad computes the pool's blended rate kappa*ln(X/y) + r*. When X == y
// the ratio is exactly wad and lnWad returns exactly zero, so the rate
// collapses to the anchor with no rounding residue.
func rateWad(pvBonds, cash, anchorRate *big.Int) (*big.Int, error) {
	if pvBonds == nil || pvBonds.Sign() <= 0 || cash == nil || cash.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate requires positive reserves", ErrArithmetic)
	}
	ratio, err := wadDiv(pvBonds, cash)
	if err != nil {
		return nil, err
	}
	logRatio, err := lnWad(ratio)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(wadMul(kappa, logRatio), anchorRate), nil
}

// priceWad computes the discount price exp(-r*t), clamped to par. At t = 0
// the exponent is exactly zero and the price is exactly wad.
func priceWad(t, rate *big.Int) (*big.Int, error) {
	if t == nil || t.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative time to maturity", ErrArithmetic)
	}
	exponent := wadMul(rate, t)
	price, err := expWad(exponent.Neg(exponent))
	if err != nil {
		return nil, err
	}
	if price.Cmp(wad) > 0 {
		price.Set(wad)
	}
	return price, nil
}

// invariantWad recomputes K*X^alpha + y^alpha at the given reference
// maturity. Trade paths must return this constant to within the documented
// tolerance regardless of ordering.
func invariantWad(pvBonds, cash, t, anchorRate *big.Int) (*big.Int, error) {
	alpha, err := alphaWad(t)
	if err != nil {
		return nil, err
	}
	k, err := kFactor(t, anchorRate)
	if err != nil {
		return nil, err
	}
	xTerm, err := powWad(pvBonds, alpha)
	if err != nil {
		return nil, err
	}
	yTerm, err := powWad(cash, alpha)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(wadMul(k, xTerm), yTerm), nil
}

// TradeDirection distinguishes which side of the pool a cash delta enters.
type TradeDirection int

const (
	// DirectionLend adds cash to the pool and removes present value from
	// the bond side.
	DirectionLend TradeDirection = iota
	// DirectionBorrow removes cash from the pool and adds present value to
	// the bond side.
	DirectionBorrow
)

// deltaFaceValue solves the invariant K*x^alpha + y^alpha = C for the face
// value delta implied by a cash delta. The solve is closed form through the
// exp/ln/pow primitives; the relative error per trade is bounded near 1%
// and compounds toward 1.5% over a handful of sequential trades, which
// callers must tolerate.
func deltaFaceValue(pvBonds, cash, amount, t, anchorRate *big.Int, direction TradeDirection) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive trade amount", ErrArithmetic)
	}

	alpha, err := alphaWad(t)
	if err != nil {
		return nil, err
	}
	k, err := kFactor(t, anchorRate)
	if err != nil {
		return nil, err
	}
	xTerm, err := powWad(pvBonds, alpha)
	if err != nil {
		return nil, err
	}
	yTerm, err := powWad(cash, alpha)
	if err != nil {
		return nil, err
	}
	constant := new(big.Int).Add(wadMul(k, xTerm), yTerm)

	newCash := new(big.Int)
	switch direction {
	case DirectionLend:
		newCash.Add(cash, amount)
	case DirectionBorrow:
		newCash.Sub(cash, amount)
		if newCash.Sign() <= 0 {
			return nil, fmt.Errorf("%w: trade drains the cash reserve", ErrArithmetic)
		}
	default:
		return nil, fmt.Errorf("%w: unknown trade direction", ErrArithmetic)
	}

	newYTerm, err := powWad(newCash, alpha)
	if err != nil {
		return nil, err
	}
	remainder := new(big.Int).Sub(constant, newYTerm)
	if remainder.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invariant remainder exhausted", ErrArithmetic)
	}
	base, err := wadDiv(remainder, k)
	if err != nil {
		return nil, err
	}
	invAlpha, err := wadDiv(wad, alpha)
	if err != nil {
		return nil, err
	}
	newBonds, err := powWad(base, invAlpha)
	if err != nil {
		return nil, err
	}

	delta := new(big.Int)
	if direction == DirectionLend {
		delta.Sub(pvBonds, newBonds)
	} else {
		delta.Sub(newBonds, pvBonds)
	}
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("%w: degenerate face value delta", ErrArithmetic)
	}
	return delta, nil
}

// yearsWad converts a duration in seconds to wad-scaled years.
func yearsWad(seconds int64) *big.Int {
	t := new(big.Int).Mul(big.NewInt(seconds), wad)
	return t.Quo(t, big.NewInt(SecondsPerYear))
}
