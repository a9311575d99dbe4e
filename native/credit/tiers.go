package credit

import (
	"errors"
	"math/big"
)

var (
	ErrScoreOutOfRange  = errors.New("credit: score out of range")
	ErrScoreExpired     = errors.New("credit: score expired")
	ErrScoreUnavailable = errors.New("credit: score unavailable")
	ErrUntrustedSigner  = errors.New("credit: score signer not trusted")
	ErrRateLimited      = errors.New("credit: score lookups rate limited")
)

// MaxScore is the upper bound of the externally supplied credit score.
const MaxScore = 1000

// CollateralDiscountBps is the flat rate discount applied to collateralized
// loans.
const CollateralDiscountBps = 200

// Tier maps a contiguous score range to borrowing terms. The table is static;
// score computation happens entirely off-ledger.
type Tier struct {
	MinScore        uint32   `toml:"MinScore" json:"minScore"`
	MaxScore        uint32   `toml:"MaxScore" json:"maxScore"`
	Label           string   `toml:"Label" json:"label"`
	BorrowingLimit  *big.Int `toml:"-" json:"borrowingLimit"`
	InterestRateBPS uint64   `toml:"InterestRateBPS" json:"interestRateBps"`
}

// DefaultTiers is the production tier ladder. Limits are in the stablecoin's
// smallest unit (six decimals). Fair is the tier new, unscored users land in
// when the scoring service first attests them.
func DefaultTiers() []Tier {
	return []Tier{
		{MinScore: 0, MaxScore: 349, Label: "Bad", BorrowingLimit: stable(100), InterestRateBPS: 2_000},
		{MinScore: 350, MaxScore: 499, Label: "Poor", BorrowingLimit: stable(250), InterestRateBPS: 1_600},
		{MinScore: 500, MaxScore: 649, Label: "Fair", BorrowingLimit: stable(500), InterestRateBPS: 1_200},
		{MinScore: 650, MaxScore: 799, Label: "Good", BorrowingLimit: stable(1_500), InterestRateBPS: 1_000},
		{MinScore: 800, MaxScore: 1_000, Label: "Excellent", BorrowingLimit: stable(5_000), InterestRateBPS: 800},
	}
}

// TierForScore resolves the tier covering the supplied score via ordered
// range lookup.
func TierForScore(tiers []Tier, score uint32) (Tier, error) {
	if score > MaxScore {
		return Tier{}, ErrScoreOutOfRange
	}
	for _, t := range tiers {
		if score >= t.MinScore && score <= t.MaxScore {
			return t, nil
		}
	}
	return Tier{}, ErrScoreOutOfRange
}

func stable(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}
