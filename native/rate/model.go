package rate

import "math/big"

var bps = big.NewInt(10_000)

// Model encapsulates the parameters that shape how borrow and lender rates
// react to pool utilisation. The curve is piecewise linear with a kink: below
// the kink the borrow rate climbs from BaseRate by Slope1 across the
// [0, Kink] range, above it the rate climbs steeply by Slope2 across the
// remaining (Kink, 1] range.
type Model struct {
	// BaseRate is the borrow APY applied at zero utilisation.
	BaseRate *big.Rat
	// Slope1 is the total borrow APY increase accumulated between zero
	// utilisation and the kink.
	Slope1 *big.Rat
	// Slope2 is the total additional APY increase accumulated between the
	// kink and full utilisation.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes to discourage
	// draining the pool.
	Kink *big.Rat
	// ReserveFactorBps is the share of borrower interest withheld from
	// lenders and routed to pool reserves, in basis points.
	ReserveFactorBps uint64
}

// NewModel constructs a rate model from basis-point inputs. A 5% base rate is
// expressed as 500 and an 80% kink utilisation as 8000.
func NewModel(baseBps, slope1Bps, slope2Bps, kinkBps, reserveFactorBps uint64) *Model {
	return &Model{
		BaseRate:         ratFromBps(baseBps),
		Slope1:           ratFromBps(slope1Bps),
		Slope2:           ratFromBps(slope2Bps),
		Kink:             ratFromBps(kinkBps),
		ReserveFactorBps: reserveFactorBps,
	}
}

// DefaultModel is the production curve: 5% base, 10% first slope, 40% excess
// slope above an 80% kink, with a 10% reserve factor.
var DefaultModel = NewModel(500, 1_000, 4_000, 8_000, 1_000)

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return &Model{
		BaseRate:         cloneRat(m.BaseRate),
		Slope1:           cloneRat(m.Slope1),
		Slope2:           cloneRat(m.Slope2),
		Kink:             cloneRat(m.Kink),
		ReserveFactorBps: m.ReserveFactorBps,
	}
}

// Utilisation computes the pool utilisation ratio U = totalBorrowed /
// totalDeposits. When no liquidity exists the utilisation is defined as zero.
// The pool invariant keeps U within [0, 1]; the result is clamped regardless.
func (m *Model) Utilisation(totalBorrowed, totalDeposits *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() <= 0 {
		return new(big.Rat)
	}
	if totalDeposits == nil || totalDeposits.Sign() <= 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrowed, totalDeposits)
	if u.Cmp(big.NewRat(1, 1)) > 0 {
		return big.NewRat(1, 1)
	}
	return u
}

// BorrowAPY derives the dynamic borrow APY for the given utilisation ratio.
func (m *Model) BorrowAPY(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	u := cloneRat(utilisation)
	if u.Sign() <= 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		// Linear region before the kink: base + slope1 * (u / kink).
		frac := new(big.Rat).Quo(u, kink)
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), frac))
	}

	// Full slope1 contribution at the kink.
	rate.Add(rate, cloneRat(m.Slope1))

	// Excess region: slope2 * ((u - kink) / (1 - kink)).
	span := new(big.Rat).Sub(big.NewRat(1, 1), kink)
	if span.Sign() <= 0 {
		return rate
	}
	excess := new(big.Rat).Sub(u, kink)
	frac := new(big.Rat).Quo(excess, span)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), frac))
}

// LenderAPY derives the passive yield paid to depositors:
// borrowAPY(u) * u * (1 - reserveFactor).
func (m *Model) LenderAPY(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	u := cloneRat(utilisation)
	if u.Sign() <= 0 {
		return new(big.Rat)
	}
	borrow := m.BorrowAPY(u)
	reserve := new(big.Rat).SetFrac(new(big.Int).SetUint64(m.ReserveFactorBps), bps)
	oneMinus := new(big.Rat).Sub(big.NewRat(1, 1), reserve)
	if oneMinus.Sign() < 0 {
		oneMinus.SetInt64(0)
	}
	out := new(big.Rat).Mul(borrow, u)
	return out.Mul(out, oneMinus)
}

// BorrowAPYBps renders the borrow APY for the pool totals in basis points,
// rounded half up.
func (m *Model) BorrowAPYBps(totalBorrowed, totalDeposits *big.Int) uint64 {
	return toBps(m.BorrowAPY(m.Utilisation(totalBorrowed, totalDeposits)))
}

// LenderAPYBps renders the lender APY for the pool totals in basis points,
// rounded half up.
func (m *Model) LenderAPYBps(totalBorrowed, totalDeposits *big.Int) uint64 {
	return toBps(m.LenderAPY(m.Utilisation(totalBorrowed, totalDeposits)))
}

// UtilisationBps renders utilisation in basis points, rounded half up.
func (m *Model) UtilisationBps(totalBorrowed, totalDeposits *big.Int) uint64 {
	return toBps(m.Utilisation(totalBorrowed, totalDeposits))
}

func ratFromBps(v uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(v), bps)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

func toBps(r *big.Rat) uint64 {
	if r == nil || r.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(bps))
	num := scaled.Num()
	den := scaled.Denom()
	half := new(big.Int).Rsh(den, 1)
	out := new(big.Int).Add(num, half)
	out.Quo(out, den)
	return out.Uint64()
}
