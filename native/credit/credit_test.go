package credit

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"tandachain/crypto"
	nativecommon "tandachain/native/common"
)

func makeAddress(t *testing.T, b byte) crypto.Address {
	t.Helper()
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestTierForScore(t *testing.T) {
	tiers := DefaultTiers()
	cases := []struct {
		score uint32
		label string
		rate  uint64
	}{
		{0, "Bad", 2_000},
		{349, "Bad", 2_000},
		{350, "Poor", 1_600},
		{500, "Fair", 1_200},
		{649, "Fair", 1_200},
		{650, "Good", 1_000},
		{800, "Excellent", 800},
		{1_000, "Excellent", 800},
	}
	for _, tc := range cases {
		tier, err := TierForScore(tiers, tc.score)
		if err != nil {
			t.Fatalf("score %d: %v", tc.score, err)
		}
		if tier.Label != tc.label {
			t.Fatalf("score %d: expected tier %s got %s", tc.score, tc.label, tier.Label)
		}
		if tier.InterestRateBPS != tc.rate {
			t.Fatalf("score %d: expected rate %d got %d", tc.score, tc.rate, tier.InterestRateBPS)
		}
	}
	if _, err := TierForScore(tiers, 1_001); !errors.Is(err, ErrScoreOutOfRange) {
		t.Fatalf("expected ErrScoreOutOfRange got %v", err)
	}
}

func TestSignedScoreRoundTrip(t *testing.T) {
	signerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	wallet := makeAddress(t, 0x11)
	signed := &SignedScore{
		Wallet:    wallet.String(),
		Value:     720,
		IssuedAt:  1_700_000_000,
		ExpiresAt: 1_700_086_400,
	}
	digest, err := signed.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	signed.Signature, err = signerKey.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	score, err := signed.Verify(signerKey.PubKey().Address())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if score.Value != 720 {
		t.Fatalf("expected score 720 got %d", score.Value)
	}
	if score.Wallet.String() != wallet.String() {
		t.Fatalf("wallet mismatch: %s", score.Wallet)
	}

	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if _, err := signed.Verify(otherKey.PubKey().Address()); !errors.Is(err, ErrUntrustedSigner) {
		t.Fatalf("expected ErrUntrustedSigner got %v", err)
	}
}

func TestSignedScoreTamperDetected(t *testing.T) {
	signerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	wallet := makeAddress(t, 0x22)
	signed := &SignedScore{
		Wallet:    wallet.String(),
		Value:     400,
		IssuedAt:  1_700_000_000,
		ExpiresAt: 1_700_086_400,
	}
	digest, err := signed.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	signed.Signature, err = signerKey.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Value = 999
	if _, err := signed.Verify(signerKey.PubKey().Address()); !errors.Is(err, ErrUntrustedSigner) {
		t.Fatalf("expected ErrUntrustedSigner after tamper got %v", err)
	}
}

func TestAdapterTerms(t *testing.T) {
	wallet := makeAddress(t, 0x33)
	now := time.Unix(1_700_000_000, 0).UTC()
	source := NewStaticSource()
	source.Set(Score{
		Wallet:    wallet,
		Value:     500,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	})
	adapter := NewAdapter(source, nil, 24*time.Hour)
	adapter.SetNowFunc(func() time.Time { return now })

	terms, err := adapter.Terms(context.Background(), wallet, false)
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if terms.Tier.Label != "Fair" {
		t.Fatalf("expected Fair got %s", terms.Tier.Label)
	}
	if terms.EffectiveRateBPS != 1_200 {
		t.Fatalf("expected 1200 bps got %d", terms.EffectiveRateBPS)
	}

	collateralized, err := adapter.Terms(context.Background(), wallet, true)
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	if collateralized.EffectiveRateBPS != 1_000 {
		t.Fatalf("expected 1000 bps with collateral discount got %d", collateralized.EffectiveRateBPS)
	}
}

func TestAdapterRejectsExpiredScore(t *testing.T) {
	wallet := makeAddress(t, 0x44)
	now := time.Unix(1_700_000_000, 0).UTC()
	source := NewStaticSource()
	source.Set(Score{
		Wallet:    wallet,
		Value:     700,
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	})
	adapter := NewAdapter(source, nil, 0)
	adapter.SetNowFunc(func() time.Time { return now })
	if _, err := adapter.Terms(context.Background(), wallet, false); !errors.Is(err, ErrScoreExpired) {
		t.Fatalf("expected ErrScoreExpired got %v", err)
	}
}

func TestAdapterRejectsStaleScore(t *testing.T) {
	wallet := makeAddress(t, 0x55)
	now := time.Unix(1_700_000_000, 0).UTC()
	source := NewStaticSource()
	source.Set(Score{
		Wallet:    wallet,
		Value:     700,
		IssuedAt:  now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(time.Hour),
	})
	adapter := NewAdapter(source, nil, 24*time.Hour)
	adapter.SetNowFunc(func() time.Time { return now })
	if _, err := adapter.Terms(context.Background(), wallet, false); !errors.Is(err, ErrScoreExpired) {
		t.Fatalf("expected ErrScoreExpired got %v", err)
	}
}

func TestAdapterUnknownWallet(t *testing.T) {
	adapter := NewAdapter(NewStaticSource(), nil, 0)
	if _, err := adapter.Terms(context.Background(), makeAddress(t, 0x66), false); !errors.Is(err, ErrScoreUnavailable) {
		t.Fatalf("expected ErrScoreUnavailable got %v", err)
	}
}

type countingSource struct {
	inner *StaticSource
	calls int
}

func (c *countingSource) Score(ctx context.Context, wallet crypto.Address) (Score, error) {
	c.calls++
	return c.inner.Score(ctx, wallet)
}

func TestCachedSourceServesFromCache(t *testing.T) {
	wallet := makeAddress(t, 0x77)
	now := time.Unix(1_700_000_000, 0).UTC()
	static := NewStaticSource()
	static.Set(Score{
		Wallet:    wallet,
		Value:     650,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	counting := &countingSource{inner: static}
	cached := NewCachedSource(counting, 10*time.Minute, rate.NewLimiter(rate.Inf, 1), nativecommon.Quota{
		MaxRequestsPerWindow: 10,
		WindowSeconds:        60,
	})
	cached.SetNowFunc(func() time.Time { return now })

	if _, err := cached.Score(context.Background(), wallet); err != nil {
		t.Fatalf("score: %v", err)
	}
	score, err := cached.Score(context.Background(), wallet)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if counting.calls != 1 {
		t.Fatalf("expected single upstream call got %d", counting.calls)
	}
	if !score.Cached {
		t.Fatalf("expected cached response")
	}
}

func TestCachedSourceEnforcesQuota(t *testing.T) {
	wallet := makeAddress(t, 0x88)
	now := time.Unix(1_700_000_000, 0).UTC()
	static := NewStaticSource()
	static.Set(Score{
		Wallet:    wallet,
		Value:     650,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	})
	cached := NewCachedSource(static, time.Nanosecond, rate.NewLimiter(rate.Inf, 1), nativecommon.Quota{
		MaxRequestsPerWindow: 2,
		WindowSeconds:        60,
	})
	cached.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if _, err := cached.Score(context.Background(), wallet); err != nil {
			t.Fatalf("score %d: %v", i, err)
		}
	}
	if _, err := cached.Score(context.Background(), wallet); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited got %v", err)
	}
}
