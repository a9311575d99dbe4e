package collateral

import (
	"math/big"
	"sync"
	"time"
)

// PriceQuote is an oracle valuation for one unit of a collateral asset,
// denominated in the pool stable unit. Non-fungible quotes value the whole
// token.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// PriceOracle resolves collateral valuations. Fungible assets are quoted by
// symbol; non-fungible tokens by symbol and token id.
type PriceOracle interface {
	Quote(asset string) (PriceQuote, error)
	QuoteToken(asset, tokenID string) (PriceQuote, error)
}

// FixedOracle serves manually pinned quotes. It backs tests and local
// development networks where no feed aggregator runs.
type FixedOracle struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

func NewFixedOracle() *FixedOracle {
	return &FixedOracle{quotes: make(map[string]PriceQuote)}
}

// SetQuote pins the quote for a fungible asset.
func (o *FixedOracle) SetQuote(asset string, rate *big.Rat, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[asset] = PriceQuote{Rate: new(big.Rat).Set(rate), Timestamp: at, Source: "fixed"}
}

// SetTokenQuote pins the valuation of a specific token.
func (o *FixedOracle) SetTokenQuote(asset, tokenID string, rate *big.Rat, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[asset+"/"+tokenID] = PriceQuote{Rate: new(big.Rat).Set(rate), Timestamp: at, Source: "fixed"}
}

// Quote implements the PriceOracle interface.
func (o *FixedOracle) Quote(asset string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[asset]
	if !ok {
		return PriceQuote{}, ErrOracleUnavailable
	}
	return q.Clone(), nil
}

// QuoteToken implements the PriceOracle interface.
func (o *FixedOracle) QuoteToken(asset, tokenID string) (PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[asset+"/"+tokenID]
	if !ok {
		return PriceQuote{}, ErrOracleUnavailable
	}
	return q.Clone(), nil
}
