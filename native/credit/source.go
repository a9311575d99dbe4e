package credit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tandachain/crypto"
	nativecommon "tandachain/native/common"
)

// Score is the validated credit statement the adapter consumes. The value and
// expiry are produced by the external scoring service; this package only
// checks range, freshness and the signature.
type Score struct {
	Wallet    crypto.Address
	Value     uint32
	IssuedAt  time.Time
	ExpiresAt time.Time
	Cached    bool
}

// SignedScore is the wire form of a score statement: a secp256k1 signature by
// the trusted scoring signer over the Keccak-256 digest of the statement
// fields.
type SignedScore struct {
	Wallet    string `json:"wallet"`
	Value     uint32 `json:"score"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature []byte `json:"signature"`
}

// Digest computes the canonical signing digest for the statement.
func (s *SignedScore) Digest() ([]byte, error) {
	addr, err := crypto.DecodeAddress(s.Wallet)
	if err != nil {
		return nil, fmt.Errorf("credit: invalid wallet: %w", err)
	}
	buf := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(buf[0:4], s.Value)
	binary.BigEndian.PutUint64(buf[4:12], uint64(s.IssuedAt))
	binary.BigEndian.PutUint64(buf[12:20], uint64(s.ExpiresAt))
	return crypto.Keccak256(addr.Bytes(), buf), nil
}

// Verify checks the statement signature against the trusted signer and
// returns the decoded score on success.
func (s *SignedScore) Verify(trustedSigner crypto.Address) (Score, error) {
	if s == nil {
		return Score{}, ErrScoreUnavailable
	}
	if s.Value > MaxScore {
		return Score{}, ErrScoreOutOfRange
	}
	digest, err := s.Digest()
	if err != nil {
		return Score{}, err
	}
	signer, err := crypto.RecoverAddress(digest, s.Signature)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrUntrustedSigner, err)
	}
	if string(signer.Bytes()) != string(trustedSigner.Bytes()) {
		return Score{}, ErrUntrustedSigner
	}
	wallet, err := crypto.DecodeAddress(s.Wallet)
	if err != nil {
		return Score{}, fmt.Errorf("credit: invalid wallet: %w", err)
	}
	return Score{
		Wallet:    wallet,
		Value:     s.Value,
		IssuedAt:  time.Unix(s.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(s.ExpiresAt, 0).UTC(),
	}, nil
}

// Source resolves the current credit score for a wallet. Implementations are
// interchangeable: an on-ledger attestation store and an off-ledger scoring
// service satisfy the same contract, and the core only ever sees the
// validated {score, expiresAt} pair.
type Source interface {
	Score(ctx context.Context, wallet crypto.Address) (Score, error)
}

// ServiceSource fetches signed score statements from the external scoring
// service over HTTP and verifies them against the trusted signer key.
type ServiceSource struct {
	baseURL string
	signer  crypto.Address
	client  *http.Client
}

// NewServiceSource constructs a source for the scoring service at baseURL.
// Every response must be signed by trustedSigner.
func NewServiceSource(baseURL string, trustedSigner crypto.Address, timeout time.Duration) *ServiceSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ServiceSource{
		baseURL: baseURL,
		signer:  trustedSigner,
		client:  &http.Client{Timeout: timeout},
	}
}

// Score implements the Source interface. Transport failures and timeouts are
// reported as ErrScoreUnavailable so callers can distinguish retryable
// boundary errors from ledger-state errors.
func (s *ServiceSource) Score(ctx context.Context, wallet crypto.Address) (Score, error) {
	endpoint := fmt.Sprintf("%s/v1/scores/%s", s.baseURL, url.PathEscape(wallet.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Score{}, fmt.Errorf("%w: scoring service returned %d", ErrScoreUnavailable, resp.StatusCode)
	}
	var signed SignedScore
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
	}
	return signed.Verify(s.signer)
}

// CachedSource wraps another source with a TTL cache and per-wallet request
// quotas so a hot wallet cannot hammer the scoring service.
type CachedSource struct {
	inner   Source
	ttl     time.Duration
	limiter *rate.Limiter
	quota   nativecommon.Quota
	nowFn   func() time.Time

	mu    sync.Mutex
	cache map[string]Score
	usage map[string]nativecommon.QuotaNow
}

// NewCachedSource constructs the caching wrapper. The limiter bounds the
// aggregate request rate to the upstream service; the quota bounds per-wallet
// lookups per window.
func NewCachedSource(inner Source, ttl time.Duration, limiter *rate.Limiter, quota nativecommon.Quota) *CachedSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSource{
		inner:   inner,
		ttl:     ttl,
		limiter: limiter,
		quota:   quota,
		nowFn:   func() time.Time { return time.Now().UTC() },
		cache:   make(map[string]Score),
		usage:   make(map[string]nativecommon.QuotaNow),
	}
}

// SetNowFunc overrides the cache clock. Nil restores the UTC wall clock.
func (c *CachedSource) SetNowFunc(now func() time.Time) {
	if c == nil {
		return
	}
	if now == nil {
		c.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	c.nowFn = now
}

// Score implements the Source interface.
func (c *CachedSource) Score(ctx context.Context, wallet crypto.Address) (Score, error) {
	key := string(wallet.Bytes())
	now := c.nowFn()

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok && now.Sub(cached.IssuedAt) < c.ttl && now.Before(cached.ExpiresAt) {
		c.mu.Unlock()
		cached.Cached = true
		return cached, nil
	}

	window := uint64(now.Unix())
	if c.quota.WindowSeconds > 0 {
		window /= uint64(c.quota.WindowSeconds)
	}
	next, err := nativecommon.CheckQuota(c.quota, window, c.usage[key], 1, 0)
	if err != nil {
		c.mu.Unlock()
		return Score{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	c.usage[key] = next
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Score{}, fmt.Errorf("%w: %v", ErrScoreUnavailable, err)
		}
	}

	score, err := c.inner.Score(ctx, wallet)
	if err != nil {
		return Score{}, err
	}

	c.mu.Lock()
	c.cache[key] = score
	c.mu.Unlock()
	return score, nil
}

// StaticSource serves fixed scores from memory. It backs tests and local
// development networks.
type StaticSource struct {
	mu     sync.RWMutex
	scores map[string]Score
}

func NewStaticSource() *StaticSource {
	return &StaticSource{scores: make(map[string]Score)}
}

// Set records the score served for a wallet.
func (s *StaticSource) Set(score Score) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[string(score.Wallet.Bytes())] = score
}

// Score implements the Source interface.
func (s *StaticSource) Score(_ context.Context, wallet crypto.Address) (Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[string(wallet.Bytes())]
	if !ok {
		return Score{}, ErrScoreUnavailable
	}
	return score, nil
}
