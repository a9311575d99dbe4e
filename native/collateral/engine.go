package collateral

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"tandachain/core/events"
	"tandachain/core/types"
	"tandachain/crypto"
	nativecommon "tandachain/native/common"
	"tandachain/native/loan"
)

const (
	moduleName = "collateral"

	basisPoints = 10_000
	// Default band: collateral covers 50% to 150% of the loan principal.
	defaultMinRatioBps = 5_000
	defaultMaxRatioBps = 15_000
	// Share of the seized value retained by the liquidator.
	bonusBps = 500
)

// LoanRegistry is the slice of the loan engine the collateral manager reads
// and transitions.
type LoanRegistry interface {
	GetLoan(id uint64) (*loan.Loan, error)
	MarkLiquidated(id uint64) (*loan.Loan, error)
}

// Recovery routes liquidation proceeds back to the lending pool.
type Recovery interface {
	CreditRecovery(asset string, amount *big.Int) error
}

// LiquidationResult reports the split realised by a seizure.
type LiquidationResult struct {
	CollateralTransferred *big.Int
	Bonus                 *big.Int
	Recovered             *big.Int
}

// Engine manages collateral custody, valuation and liquidation.
type Engine struct {
	state       State
	oracle      PriceOracle
	registry    LoanRegistry
	recovery    Recovery
	custodyAddr crypto.Address
	poolAddr    crypto.Address
	pauses      nativecommon.PauseView
	emitter     events.Emitter
	nowFn       func() time.Time
	maxQuoteAge time.Duration
	minRatioBps uint64
	maxRatioBps uint64
}

// NewEngine returns a collateral engine holding custody at custodyAddr and
// routing recovered value to poolAddr.
func NewEngine(custodyAddr, poolAddr crypto.Address) *Engine {
	return &Engine{
		custodyAddr: custodyAddr,
		poolAddr:    poolAddr,
		emitter:     events.NoopEmitter{},
		nowFn:       func() time.Time { return time.Now().UTC() },
		maxQuoteAge: 5 * time.Minute,
		minRatioBps: defaultMinRatioBps,
		maxRatioBps: defaultMaxRatioBps,
	}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetOracle wires the valuation boundary.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetLoanRegistry wires the loan engine.
func (e *Engine) SetLoanRegistry(registry LoanRegistry) { e.registry = registry }

// SetRecovery wires the pool recovery sink.
func (e *Engine) SetRecovery(recovery Recovery) { e.recovery = recovery }

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event sink. Nil restores the no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Nil restores the UTC wall clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetMaxQuoteAge bounds how old an oracle quote may be before valuation fails
// with ErrOracleStale.
func (e *Engine) SetMaxQuoteAge(age time.Duration) {
	if age > 0 {
		e.maxQuoteAge = age
	}
}

// SetRatioBounds replaces the accepted collateral-to-principal band, in basis
// points. Degenerate bounds are ignored and the current band stays in force.
func (e *Engine) SetRatioBounds(minBps, maxBps uint64) {
	if minBps == 0 || maxBps < minBps {
		return
	}
	e.minRatioBps = minBps
	e.maxRatioBps = maxBps
}

// GetCollateral loads a record by id.
func (e *Engine) GetCollateral(id uint64) (*Collateral, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	record, err := e.state.GetCollateral(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrCollateralNotFound
	}
	return record, nil
}

// Lock places collateral for a loan in custody. Fungible amounts move from
// the owner's collateral balance; non-fungible tokens are recorded by id.
// The oracle valuation must put the collateral ratio inside the accepted
// band.
func (e *Engine) Lock(owner crypto.Address, loanID uint64, kind Kind, asset string, amount *big.Int, tokenID string) (*Collateral, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.state == nil || e.registry == nil || e.oracle == nil {
		return nil, ErrNilState
	}
	existing, err := e.state.GetCollateralByLoan(loanID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyLocked
	}
	ln, err := e.registry.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if ln.Status.Terminal() || ln.Status == loan.StatusDefaulted {
		return nil, fmt.Errorf("%w: lock on %s loan", ErrNotEligible, ln.Status)
	}

	value, err := e.valuation(kind, asset, amount, tokenID)
	if err != nil {
		return nil, err
	}
	ratio := ratioBps(value, ln.Principal)
	if ratio < e.minRatioBps || ratio > e.maxRatioBps {
		return nil, fmt.Errorf("%w: ratio %d bps", ErrUnderCollateralized, ratio)
	}

	if kind == KindFungible {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ErrInvalidAmount
		}
		if err := e.transfer(owner, e.custodyAddr, amount); err != nil {
			return nil, err
		}
	}

	id, err := e.state.NextCollateralID()
	if err != nil {
		return nil, err
	}
	record := &Collateral{
		ID:       id,
		LoanID:   loanID,
		Owner:    owner,
		OwnerRaw: owner.String(),
		Kind:     kind,
		Asset:    asset,
		TokenID:  tokenID,
		LockedAt: e.nowFn().Unix(),
	}
	if kind == KindFungible {
		record.Amount = new(big.Int).Set(amount)
	}
	if err := e.state.PutCollateral(record); err != nil {
		return nil, err
	}
	e.emitter.Emit(Locked{
		CollateralID: record.ID,
		LoanID:       loanID,
		Asset:        asset,
		Value:        value,
		RatioBps:     ratio,
	})
	return record, nil
}

// NotifyDefault satisfies the loan engine's default sink. A loan without
// collateral is a valid outcome; seizure itself is a separate, explicitly
// triggered operation.
func (e *Engine) NotifyDefault(loanID uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	_, err := e.state.GetCollateralByLoan(loanID)
	return err
}

// Liquidate seizes the collateral of a defaulted loan: the liquidator keeps a
// 5% bonus, the remainder routes to the pool as recovery against the
// outstanding debt. A record liquidates exactly once.
func (e *Engine) Liquidate(loanID uint64, liquidator crypto.Address) (*LiquidationResult, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.state == nil || e.registry == nil || e.oracle == nil {
		return nil, ErrNilState
	}
	record, err := e.state.GetCollateralByLoan(loanID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrCollateralNotFound
	}
	if record.Liquidated {
		return nil, ErrAlreadyLiquidated
	}
	ln, err := e.registry.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if ln.Status != loan.StatusDefaulted {
		return nil, fmt.Errorf("%w: loan is %s", ErrNotEligible, ln.Status)
	}

	value, err := e.valuation(record.Kind, record.Asset, record.Amount, record.TokenID)
	if err != nil {
		return nil, err
	}

	result := &LiquidationResult{
		Bonus:     bpsShare(value, bonusBps),
		Recovered: new(big.Int),
	}
	switch record.Kind {
	case KindFungible:
		bonusUnits := bpsShare(record.Amount, bonusBps)
		remainderUnits := new(big.Int).Sub(record.Amount, bonusUnits)
		if err := e.transfer(e.custodyAddr, liquidator, bonusUnits); err != nil {
			return nil, err
		}
		if err := e.transfer(e.custodyAddr, e.poolAddr, remainderUnits); err != nil {
			return nil, err
		}
		result.CollateralTransferred = new(big.Int).Set(record.Amount)
		result.Recovered = new(big.Int).Sub(value, result.Bonus)
		if e.recovery != nil {
			if err := e.recovery.CreditRecovery(ln.Asset, result.Recovered); err != nil {
				return nil, err
			}
		}
	case KindNonFungible:
		// A token cannot be split; the liquidator takes the whole token
		// and the bonus is informational.
		record.Owner = liquidator
		record.OwnerRaw = liquidator.String()
		result.CollateralTransferred = new(big.Int).Set(value)
	}

	record.Liquidated = true
	if err := e.state.PutCollateral(record); err != nil {
		return nil, err
	}
	if _, err := e.registry.MarkLiquidated(loanID); err != nil {
		return nil, err
	}
	e.emitter.Emit(Liquidated{LoanID: loanID, Bonus: result.Bonus, Recovered: result.Recovered})
	return result, nil
}

// valuation prices collateral through the oracle and enforces quote
// freshness.
func (e *Engine) valuation(kind Kind, asset string, amount *big.Int, tokenID string) (*big.Int, error) {
	var (
		quote PriceQuote
		err   error
	)
	switch kind {
	case KindFungible:
		quote, err = e.oracle.Quote(asset)
	case KindNonFungible:
		quote, err = e.oracle.QuoteToken(asset, tokenID)
	default:
		return nil, ErrInvalidAmount
	}
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil {
		return nil, ErrOracleUnavailable
	}
	if e.maxQuoteAge > 0 && e.nowFn().Sub(quote.Timestamp) > e.maxQuoteAge {
		return nil, ErrOracleStale
	}
	if kind == KindNonFungible {
		return ratToInt(quote.Rate), nil
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value := new(big.Rat).SetInt(amount)
	value.Mul(value, quote.Rate)
	return ratToInt(value), nil
}

// transfer moves collateral balance between accounts.
func (e *Engine) transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAccount, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAccount.BalanceCollateral.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAccount, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAccount.BalanceCollateral = new(big.Int).Sub(fromAccount.BalanceCollateral, amount)
	toAccount.BalanceCollateral = new(big.Int).Add(toAccount.BalanceCollateral, amount)
	if err := e.state.PutAccount(from, fromAccount); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAccount)
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{}
	}
	account.EnsureBalances()
	return account, nil
}

func ratioBps(value, principal *big.Int) uint64 {
	if principal == nil || principal.Sign() <= 0 || value == nil {
		return 0
	}
	ratio := new(big.Int).Mul(value, big.NewInt(basisPoints))
	ratio.Div(ratio, principal)
	if !ratio.IsUint64() {
		return math.MaxUint64
	}
	return ratio.Uint64()
}

func bpsShare(value *big.Int, bps int64) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	share := new(big.Int).Mul(value, big.NewInt(bps))
	return share.Div(share, big.NewInt(basisPoints))
}

func ratToInt(r *big.Rat) *big.Int {
	num := new(big.Int).Mul(r.Num(), big.NewInt(2))
	num.Add(num, r.Denom())
	den := new(big.Int).Mul(r.Denom(), big.NewInt(2))
	return num.Div(num, den)
}
