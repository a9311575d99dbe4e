package loan

import (
	"math/big"
	"time"
)

const (
	basisPoints   = 10_000
	secondsPerDay = 86_400
	lateFeeBps    = 200
	defaultAfter  = 30
	minDuration   = 30
	maxDuration   = 365
)

// periodRate returns annualRateBPS converted to a per-period fraction.
func periodRate(annualRateBPS uint64, freq Frequency) *big.Rat {
	periods := freq.PeriodsPerYear()
	if periods == 0 {
		return new(big.Rat)
	}
	return big.NewRat(int64(annualRateBPS), periods*basisPoints)
}

// ratToInt rounds a rational to the nearest integer, half away from zero.
func ratToInt(r *big.Rat) *big.Int {
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	return num.Div(num, den)
}

// installmentAmount solves the standard annuity formula
// P*r*(1+r)^n / ((1+r)^n - 1) for the per-period payment. A zero rate
// degenerates to straight-line principal.
func installmentAmount(principal *big.Int, r *big.Rat, n uint32) *big.Int {
	if n == 0 {
		return new(big.Int)
	}
	if r.Sign() == 0 {
		out := new(big.Int).Add(principal, big.NewInt(int64(n)-1))
		return out.Div(out, big.NewInt(int64(n)))
	}
	onePlus := new(big.Rat).Add(big.NewRat(1, 1), r)
	compounded := new(big.Rat).SetInt64(1)
	for i := uint32(0); i < n; i++ {
		compounded.Mul(compounded, onePlus)
	}
	numerator := new(big.Rat).SetInt(principal)
	numerator.Mul(numerator, r)
	numerator.Mul(numerator, compounded)
	denominator := new(big.Rat).Sub(compounded, big.NewRat(1, 1))
	return ratToInt(numerator.Quo(numerator, denominator))
}

// generateSchedule builds the immutable installment sequence for a loan. The
// last entry absorbs rounding drift so the principal portions sum exactly to
// the disbursed principal.
func generateSchedule(principal *big.Int, annualRateBPS uint64, freq Frequency, n uint32, start time.Time) ([]ScheduleEntry, *big.Int) {
	r := periodRate(annualRateBPS, freq)
	installment := installmentAmount(principal, r, n)
	interval := time.Duration(freq.IntervalDays()) * 24 * time.Hour

	entries := make([]ScheduleEntry, 0, n)
	outstanding := new(big.Int).Set(principal)
	for i := uint32(1); i <= n; i++ {
		interest := ratToInt(new(big.Rat).Mul(new(big.Rat).SetInt(outstanding), r))
		var principalPortion *big.Int
		if i == n {
			principalPortion = new(big.Int).Set(outstanding)
		} else {
			principalPortion = new(big.Int).Sub(installment, interest)
			if principalPortion.Sign() < 0 {
				principalPortion = new(big.Int)
			}
			if principalPortion.Cmp(outstanding) > 0 {
				principalPortion = new(big.Int).Set(outstanding)
			}
		}
		outstanding = new(big.Int).Sub(outstanding, principalPortion)
		entries = append(entries, ScheduleEntry{
			InstallmentNumber:     i,
			DueDate:               start.Add(time.Duration(i) * interval).Unix(),
			PrincipalPortion:      principalPortion,
			InterestPortion:       interest,
			TotalAmount:           new(big.Int).Add(principalPortion, interest),
			RemainingBalanceAfter: new(big.Int).Set(outstanding),
		})
	}
	return entries, installment
}

// lateFee computes the penalty owed for an installment that is daysLate past
// its due date: 2% of the installment per full week late.
func lateFee(installment *big.Int, daysLate int64) *big.Int {
	if daysLate < 7 || installment == nil {
		return new(big.Int)
	}
	weeks := daysLate / 7
	fee := new(big.Int).Mul(installment, big.NewInt(weeks*lateFeeBps))
	num := new(big.Int).Mul(fee, big.NewInt(2))
	num.Add(num, big.NewInt(basisPoints))
	return num.Div(num, big.NewInt(2*basisPoints))
}

// remainingScheduledInterest sums the interest portions of all unpaid
// installments.
func remainingScheduledInterest(l *Loan) *big.Int {
	total := new(big.Int)
	for i := int(l.PaidInstallments); i < len(l.Schedule); i++ {
		total.Add(total, l.Schedule[i].InterestPortion)
	}
	return total
}
