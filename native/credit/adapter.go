package credit

import (
	"context"
	"math/big"
	"time"

	"tandachain/crypto"
)

// Terms is the pricing outcome the loan engine consumes: the resolved tier
// plus the effective interest rate after any collateral discount.
type Terms struct {
	Tier             Tier
	Score            uint32
	EffectiveRateBPS uint64
	BorrowingLimit   *big.Int
	ScoreExpiresAt   time.Time
}

// Adapter turns raw scores from a Source into borrowing terms. It owns the
// freshness policy: a score older than maxAge is rejected even when its
// signed expiry has not passed yet.
type Adapter struct {
	tiers  []Tier
	source Source
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewAdapter builds an adapter over the supplied source. A zero maxAge
// disables the staleness check and leaves only the signed expiry.
func NewAdapter(source Source, tiers []Tier, maxAge time.Duration) *Adapter {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	return &Adapter{
		tiers:  tiers,
		source: source,
		maxAge: maxAge,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the freshness clock. Nil restores the UTC wall clock.
func (a *Adapter) SetNowFunc(now func() time.Time) {
	if a == nil {
		return
	}
	if now == nil {
		a.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	a.nowFn = now
}

// Tiers returns the adapter's tier table.
func (a *Adapter) Tiers() []Tier {
	out := make([]Tier, len(a.tiers))
	copy(out, a.tiers)
	return out
}

// Terms resolves the borrowing terms for a wallet. Collateralized requests
// receive a flat discount on the tier rate, floored at zero.
func (a *Adapter) Terms(ctx context.Context, wallet crypto.Address, collateralized bool) (Terms, error) {
	if a == nil || a.source == nil {
		return Terms{}, ErrScoreUnavailable
	}
	score, err := a.source.Score(ctx, wallet)
	if err != nil {
		return Terms{}, err
	}
	now := a.nowFn()
	if !score.ExpiresAt.IsZero() && !now.Before(score.ExpiresAt) {
		return Terms{}, ErrScoreExpired
	}
	if a.maxAge > 0 && now.Sub(score.IssuedAt) > a.maxAge {
		return Terms{}, ErrScoreExpired
	}
	tier, err := TierForScore(a.tiers, score.Value)
	if err != nil {
		return Terms{}, err
	}
	rate := tier.InterestRateBPS
	if collateralized {
		if rate > CollateralDiscountBps {
			rate -= CollateralDiscountBps
		} else {
			rate = 0
		}
	}
	return Terms{
		Tier:             tier,
		Score:            score.Value,
		EffectiveRateBPS: rate,
		BorrowingLimit:   new(big.Int).Set(tier.BorrowingLimit),
		ScoreExpiresAt:   score.ExpiresAt,
	}, nil
}
