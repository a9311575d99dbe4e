package pool

import (
	"math/big"
	"strings"
	"time"

	"tandachain/core/events"
	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/native/rate"
	nativecommon "tandachain/native/common"
)

const moduleName = "pool"

// Engine orchestrates share-based deposit accounting for every whitelisted
// asset pool. All mutating operations accrue interest lazily first, run under
// a per-pool reentrancy guard, and either complete fully or leave state
// untouched (the caller stages mutations through a storage overlay).
type Engine struct {
	state         State
	model         *rate.Model
	moduleAddress crypto.Address
	pauses        nativecommon.PauseView
	emitter       events.Emitter
	nowFn         func() time.Time
	busy          map[string]bool
}

// NewEngine constructs a pool engine paying in and out of the module treasury
// address.
func NewEngine(moduleAddr crypto.Address) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		model:         rate.DefaultModel.Clone(),
		emitter:       events.NoopEmitter{},
		nowFn:         func() time.Time { return time.Now().UTC() },
		busy:          make(map[string]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

// SetRateModel configures the interest rate model used during accrual.
func (e *Engine) SetRateModel(model *rate.Model) {
	if e == nil {
		return
	}
	if model != nil {
		e.model = model.Clone()
	}
}

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Nil restores the no-op emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the accrual clock. Nil restores the UTC wall clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// RateModel returns a copy of the configured rate model.
func (e *Engine) RateModel() *rate.Model {
	if e == nil {
		return nil
	}
	return e.model.Clone()
}

func (e *Engine) now() int64 { return e.nowFn().Unix() }

// enter sets the per-pool busy flag, rejecting reentrant calls into the same
// pool while a mutation is in flight. exit must run on every return path.
func (e *Engine) enter(asset string) error {
	if e.busy[asset] {
		return ErrReentrancy
	}
	e.busy[asset] = true
	return nil
}

func (e *Engine) exit(asset string) { delete(e.busy, asset) }

// InitPool creates the accounting record for a whitelisted asset. Existing
// pools are left untouched.
func (e *Engine) InitPool(asset string, active bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return ErrInvalidAsset
	}
	existing, err := e.state.GetPool(asset)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	p := &Pool{
		Asset:         asset,
		TotalDeposits: big.NewInt(0),
		TotalBorrowed: big.NewInt(0),
		TotalReserves: big.NewInt(0),
		TotalShares:   big.NewInt(0),
		BorrowIndex:   new(big.Int).Set(ray),
		LastAccrual:   e.now(),
		Active:        active,
		Whitelisted:   true,
	}
	return e.state.PutPool(p)
}

// GetPool returns the pool record for the asset, or ErrInvalidAsset when the
// asset was never whitelisted.
func (e *Engine) GetPool(asset string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	p, err := e.state.GetPool(strings.TrimSpace(asset))
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Whitelisted {
		return nil, ErrInvalidAsset
	}
	ensurePoolDefaults(p)
	return p, nil
}

// Deposit supplies amount of the asset from owner into the pool and mints
// shares priced off the current pool value. The minted share count is
// returned. The first depositor receives shares 1:1 with the amount, an
// anti-manipulation floor for the share price.
func (e *Engine) Deposit(owner crypto.Address, asset string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return nil, err
	}
	defer e.exit(asset)

	p, err := e.activePool(asset)
	if err != nil {
		return nil, err
	}
	if err := e.accrue(p); err != nil {
		return nil, err
	}

	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	if ownerAcc.BalanceStable.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}

	minted := new(big.Int)
	if p.TotalShares.Sign() == 0 {
		minted.Set(amount)
	} else {
		value := p.Value()
		if value.Sign() == 0 {
			minted.Set(amount)
		} else {
			minted = mulDiv(amount, p.TotalShares, value)
			if minted.Sign() == 0 {
				minted = new(big.Int).Set(amount)
			}
		}
	}

	ownerAcc.BalanceStable = new(big.Int).Sub(ownerAcc.BalanceStable, amount)
	moduleAcc.BalanceStable = new(big.Int).Add(moduleAcc.BalanceStable, amount)
	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}

	pos, err := e.ensurePosition(asset, owner)
	if err != nil {
		return nil, err
	}
	pos.Shares = new(big.Int).Add(pos.Shares, minted)
	pos.PrincipalDeposited = new(big.Int).Add(pos.PrincipalDeposited, amount)
	pos.LastDepositTime = e.now()

	p.TotalDeposits = new(big.Int).Add(p.TotalDeposits, amount)
	p.TotalShares = new(big.Int).Add(p.TotalShares, minted)

	if err := e.state.PutPosition(pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(p); err != nil {
		return nil, err
	}

	e.emitter.Emit(Deposited{Asset: asset, User: owner, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(minted)})
	return minted, nil
}

// Withdraw burns shares and releases the corresponding asset amount back to
// the owner. Fails with ErrInsufficientLiquidity when the redemption exceeds
// what the pool can pay out without touching reserves or outstanding loans.
func (e *Engine) Withdraw(owner crypto.Address, asset string, shares *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := checkAmount(shares); err != nil {
		return nil, err
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return nil, err
	}
	defer e.exit(asset)

	p, err := e.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if err := e.accrue(p); err != nil {
		return nil, err
	}
	if p.TotalShares.Sign() == 0 {
		return nil, ErrInsufficientShares
	}

	pos, err := e.state.GetPosition(asset, owner)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Shares == nil || pos.Shares.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	amount := mulDiv(shares, p.Value(), p.TotalShares)
	if amount.Cmp(p.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return nil, err
	}
	if moduleAcc.BalanceStable.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	ownerAcc, err := e.loadAccount(owner)
	if err != nil {
		return nil, err
	}

	moduleAcc.BalanceStable = new(big.Int).Sub(moduleAcc.BalanceStable, amount)
	ownerAcc.BalanceStable = new(big.Int).Add(ownerAcc.BalanceStable, amount)
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(owner, ownerAcc); err != nil {
		return nil, err
	}

	pos.Shares = new(big.Int).Sub(pos.Shares, shares)
	if pos.PrincipalDeposited.Cmp(amount) <= 0 {
		pos.PrincipalDeposited = big.NewInt(0)
	} else {
		pos.PrincipalDeposited = new(big.Int).Sub(pos.PrincipalDeposited, amount)
	}

	p.TotalShares = new(big.Int).Sub(p.TotalShares, shares)
	p.TotalDeposits = new(big.Int).Sub(p.TotalDeposits, amount)

	if pos.Shares.Sign() == 0 {
		if err := e.state.DeletePosition(asset, owner); err != nil {
			return nil, err
		}
	} else {
		if err := e.state.PutPosition(pos); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutPool(p); err != nil {
		return nil, err
	}

	e.emitter.Emit(Withdrawn{Asset: asset, User: owner, Amount: new(big.Int).Set(amount), Shares: new(big.Int).Set(shares)})
	return amount, nil
}

// AccrueInterest advances the pool's interest index to the current time. It
// is idempotent within one accrual period: a second call with no elapsed time
// leaves the pool unchanged.
func (e *Engine) AccrueInterest(asset string) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return err
	}
	defer e.exit(asset)

	p, err := e.GetPool(asset)
	if err != nil {
		return err
	}
	if err := e.accrue(p); err != nil {
		return err
	}
	return e.state.PutPool(p)
}

// Disburse moves loan principal from the pool to the borrower. Only the loan
// engine calls this; the pool enforces that borrowing can never exceed
// deposits or drain the reserve buffer.
func (e *Engine) Disburse(asset string, borrower crypto.Address, principal *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := checkAmount(principal); err != nil {
		return err
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return err
	}
	defer e.exit(asset)

	p, err := e.activePool(asset)
	if err != nil {
		return err
	}
	if err := e.accrue(p); err != nil {
		return err
	}

	if principal.Cmp(p.AvailableLiquidity()) > 0 {
		return ErrInsufficientLiquidity
	}
	borrowedAfter := new(big.Int).Add(p.TotalBorrowed, principal)
	if borrowedAfter.Cmp(p.TotalDeposits) > 0 {
		return ErrInsufficientLiquidity
	}

	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return err
	}
	if moduleAcc.BalanceStable.Cmp(principal) < 0 {
		return ErrInsufficientLiquidity
	}
	borrowerAcc, err := e.loadAccount(borrower)
	if err != nil {
		return err
	}

	moduleAcc.BalanceStable = new(big.Int).Sub(moduleAcc.BalanceStable, principal)
	borrowerAcc.BalanceStable = new(big.Int).Add(borrowerAcc.BalanceStable, principal)
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(borrower, borrowerAcc); err != nil {
		return err
	}

	p.TotalBorrowed = borrowedAfter
	return e.state.PutPool(p)
}

// ReceiveRepayment moves a loan payment from the payer back into the pool and
// reduces outstanding borrow. The interest portion is reported by the loan
// engine for event payloads; pool-level yield is realised through accrual.
func (e *Engine) ReceiveRepayment(asset string, payer crypto.Address, amount, interestPortion *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if interestPortion != nil && interestPortion.Sign() < 0 {
		return ErrZeroAmount
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return err
	}
	defer e.exit(asset)

	p, err := e.GetPool(asset)
	if err != nil {
		return err
	}
	if err := e.accrue(p); err != nil {
		return err
	}

	payerAcc, err := e.loadAccount(payer)
	if err != nil {
		return err
	}
	if payerAcc.BalanceStable.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	moduleAcc, err := e.loadAccount(e.moduleAddress)
	if err != nil {
		return err
	}

	payerAcc.BalanceStable = new(big.Int).Sub(payerAcc.BalanceStable, amount)
	moduleAcc.BalanceStable = new(big.Int).Add(moduleAcc.BalanceStable, amount)
	if err := e.state.PutAccount(payer, payerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.moduleAddress, moduleAcc); err != nil {
		return err
	}

	reduction := new(big.Int).Set(amount)
	if reduction.Cmp(p.TotalBorrowed) > 0 {
		reduction.Set(p.TotalBorrowed)
	}
	p.TotalBorrowed = new(big.Int).Sub(p.TotalBorrowed, reduction)
	return e.state.PutPool(p)
}

// CreditRecovery adds liquidated collateral proceeds to the pool without a
// borrower account transfer. Used by the collateral manager when routing the
// post-bonus remainder of a liquidation.
func (e *Engine) CreditRecovery(asset string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	asset = strings.TrimSpace(asset)
	if err := e.enter(asset); err != nil {
		return err
	}
	defer e.exit(asset)

	p, err := e.GetPool(asset)
	if err != nil {
		return err
	}
	reduction := new(big.Int).Set(amount)
	if reduction.Cmp(p.TotalBorrowed) > 0 {
		reduction.Set(p.TotalBorrowed)
	}
	p.TotalBorrowed = new(big.Int).Sub(p.TotalBorrowed, reduction)
	return e.state.PutPool(p)
}

// UtilisationBps reports the current utilisation for the pool in basis
// points.
func (e *Engine) UtilisationBps(asset string) (uint64, error) {
	p, err := e.GetPool(asset)
	if err != nil {
		return 0, err
	}
	return e.model.UtilisationBps(p.TotalBorrowed, p.TotalDeposits), nil
}

// BorrowAPYBps reports the current borrow APY for the pool in basis points.
func (e *Engine) BorrowAPYBps(asset string) (uint64, error) {
	p, err := e.GetPool(asset)
	if err != nil {
		return 0, err
	}
	return e.model.BorrowAPYBps(p.TotalBorrowed, p.TotalDeposits), nil
}

func (e *Engine) activePool(asset string) (*Pool, error) {
	p, err := e.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrPoolInactive
	}
	return p, nil
}

// accrue applies timestamp-based simple interest to the pool at the current
// utilisation's borrow APY. The reserve factor share of the interest is
// earmarked as reserves; idempotent when no time has elapsed.
func (e *Engine) accrue(p *Pool) error {
	if p == nil {
		return ErrPoolNotFound
	}
	ensurePoolDefaults(p)

	now := e.now()
	if p.LastAccrual == 0 {
		p.LastAccrual = now
		return nil
	}
	if now <= p.LastAccrual {
		return nil
	}
	delta := uint64(now - p.LastAccrual)
	if p.TotalBorrowed.Sign() == 0 {
		p.LastAccrual = now
		return nil
	}

	apy := e.model.BorrowAPY(e.model.Utilisation(p.TotalBorrowed, p.TotalDeposits))
	interest := computeInterest(p.TotalBorrowed, apy, delta)
	if interest.Sign() == 0 {
		p.LastAccrual = now
		return nil
	}

	reserveShare := bpsShare(interest, e.model.ReserveFactorBps)
	lenderShare := new(big.Int).Sub(interest, reserveShare)

	// The split keeps Value() constant across a tick: accrual reprices the
	// outstanding debt, it never moves cash.
	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, interest)
	p.TotalDeposits = new(big.Int).Add(p.TotalDeposits, lenderShare)
	p.TotalReserves = new(big.Int).Add(p.TotalReserves, reserveShare)
	p.BorrowIndex = rayMul(p.BorrowIndex, rateFactor(apy, delta))
	p.LastAccrual = now

	e.emitter.Emit(InterestAccrued{
		Asset:        p.Asset,
		Interest:     interest,
		ReserveShare: reserveShare,
		Timestamp:    now,
	})
	return nil
}

func (e *Engine) ensurePosition(asset string, owner crypto.Address) (*Position, error) {
	pos, err := e.state.GetPosition(asset, owner)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Owner: owner, OwnerRaw: append([]byte(nil), owner.Bytes()...), Asset: asset}
	}
	if pos.Shares == nil {
		pos.Shares = big.NewInt(0)
	}
	if pos.PrincipalDeposited == nil {
		pos.PrincipalDeposited = big.NewInt(0)
	}
	return pos, nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureBalances()
	return acc, nil
}

func ensurePoolDefaults(p *Pool) {
	if p.TotalDeposits == nil {
		p.TotalDeposits = big.NewInt(0)
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
	if p.TotalReserves == nil {
		p.TotalReserves = big.NewInt(0)
	}
	if p.TotalShares == nil {
		p.TotalShares = big.NewInt(0)
	}
	if p.BorrowIndex == nil || p.BorrowIndex.Sign() == 0 {
		p.BorrowIndex = new(big.Int).Set(ray)
	}
}
