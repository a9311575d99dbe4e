package pool

import (
	"errors"
	"math/big"

	"tandachain/core/types"
	"tandachain/crypto"
)

var (
	ErrNilState              = errors.New("pool: state not configured")
	ErrInvalidAsset          = errors.New("pool: asset not whitelisted")
	ErrPoolInactive          = errors.New("pool: pool inactive")
	ErrPoolNotFound          = errors.New("pool: pool not initialised")
	ErrZeroAmount            = errors.New("pool: amount must be positive")
	ErrAmountOverflow        = errors.New("pool: amount exceeds supported range")
	ErrInsufficientBalance   = errors.New("pool: insufficient account balance")
	ErrInsufficientShares    = errors.New("pool: insufficient shares")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrReentrancy            = errors.New("pool: reentrant call rejected")
)

// Pool captures the share-based accounting state for a single asset. Amounts
// are fixed-point integers in the asset's smallest unit (six decimal places
// for the stablecoin); the borrow index is a ray (1e27).
//
// Invariants maintained by the engine: TotalBorrowed <= TotalDeposits and
// utilisation stays within [0, 1] across every deposit, withdraw, disburse
// and repayment.
type Pool struct {
	// Asset is the whitelisted asset symbol this pool accounts for.
	Asset string `json:"asset"`
	// TotalDeposits is the aggregate lender value including accrued lender
	// interest.
	TotalDeposits *big.Int `json:"totalDeposits"`
	// TotalBorrowed tracks outstanding borrowed value including accrued
	// borrower interest.
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	// TotalReserves is the protocol safety buffer earmarked from borrower
	// interest, kept liquid and excluded from withdrawable liquidity.
	TotalReserves *big.Int `json:"totalReserves"`
	// TotalShares is the supply of pool shares held by depositors.
	TotalShares *big.Int `json:"totalShares"`
	// BorrowIndex is the cumulative borrow interest index (ray).
	BorrowIndex *big.Int `json:"borrowIndex"`
	// LastAccrual is the unix timestamp of the last interest accrual.
	LastAccrual int64 `json:"lastAccrual"`
	// Active gates deposits and new borrowing.
	Active bool `json:"active"`
	// Whitelisted marks the asset as accepted by governance.
	Whitelisted bool `json:"whitelisted"`
}

// Value returns the pool value used for share pricing:
// totalDeposits - totalBorrowed + totalReserves.
func (p *Pool) Value() *big.Int {
	v := new(big.Int).Sub(p.TotalDeposits, p.TotalBorrowed)
	v.Add(v, p.TotalReserves)
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

// AvailableLiquidity returns the amount withdrawable or disbursable right
// now: totalDeposits - totalBorrowed - totalReserves.
func (p *Pool) AvailableLiquidity() *big.Int {
	v := new(big.Int).Sub(p.TotalDeposits, p.TotalBorrowed)
	v.Sub(v, p.TotalReserves)
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

// Position maintains the deposit stake of an individual lender in one pool.
// It is created on first deposit and deleted once its shares reach zero.
type Position struct {
	Owner              crypto.Address `json:"-"`
	OwnerRaw           []byte         `json:"owner"`
	Asset              string         `json:"asset"`
	Shares             *big.Int       `json:"shares"`
	PrincipalDeposited *big.Int       `json:"principalDeposited"`
	LastDepositTime    int64          `json:"lastDepositTime"`
}

// State is the persistence boundary the engine mutates through. A nil pool or
// position result means the record does not exist.
type State interface {
	GetPool(asset string) (*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(asset string, owner crypto.Address) (*Position, error)
	PutPosition(position *Position) error
	DeletePosition(asset string, owner crypto.Address) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}
