package pool

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
)

const secondsPerYear = 31_536_000

// maxAmountBits bounds accepted amounts so intermediate products stay far from
// the 256-bit range external callers can express. Checked, never wrapped.
const maxAmountBits = 128

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// rateFactor computes the linear compounding factor (1 + rate * delta/year)
// as a ray. Delta is measured in seconds.
func rateFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetUint64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetUint64(delta))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perSecond)
	return ratToRay(factor)
}

// computeInterest derives the simple interest accrued on totalBorrowed at the
// annual rate over delta seconds, rounded half up.
func computeInterest(totalBorrowed *big.Int, rate *big.Rat, delta uint64) *big.Int {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 || rate == nil || rate.Sign() == 0 || delta == 0 {
		return big.NewInt(0)
	}
	perSecond := new(big.Rat).Set(rate)
	perSecond.Quo(perSecond, new(big.Rat).SetUint64(secondsPerYear))
	perSecond.Mul(perSecond, new(big.Rat).SetUint64(delta))
	interest := new(big.Rat).Mul(perSecond, new(big.Rat).SetInt(totalBorrowed))
	if interest.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := interest.Num()
	den := interest.Denom()
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// mulDiv computes amount * num / den with half-up rounding.
func mulDiv(amount, num, den *big.Int) *big.Int {
	if amount == nil || num == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(amount, num)
	product.Add(product, halfUp(den))
	product.Quo(product, den)
	return product
}

func bpsShare(amount *big.Int, shareBps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || shareBps == 0 {
		return big.NewInt(0)
	}
	return mulDiv(amount, new(big.Int).SetUint64(shareBps), basisPoints)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	half.Rsh(half, 1)
	return half
}

// checkAmount rejects nil, non-positive, or out-of-range amounts before any
// state is touched.
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amount.BitLen() > maxAmountBits {
		return ErrAmountOverflow
	}
	return nil
}
