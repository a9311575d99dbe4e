package collateral

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"tandachain/core/types"
	"tandachain/crypto"
)

var (
	ErrNilState            = errors.New("collateral: state not configured")
	ErrCollateralNotFound  = errors.New("collateral: record not found")
	ErrInvalidAmount       = errors.New("collateral: invalid amount")
	ErrUnderCollateralized = errors.New("collateral: ratio outside accepted bounds")
	ErrOracleStale         = errors.New("collateral: oracle quote too old")
	ErrOracleUnavailable   = errors.New("collateral: no oracle quote")
	ErrAlreadyLiquidated   = errors.New("collateral: already liquidated")
	ErrNotEligible         = errors.New("collateral: loan not in default")
	ErrAlreadyLocked       = errors.New("collateral: loan already collateralized")
	ErrInsufficientBalance = errors.New("collateral: insufficient collateral balance")
)

// Kind distinguishes fungible collateral (an amount) from non-fungible
// collateral (a token id).
type Kind uint8

const (
	KindFungible Kind = iota
	KindNonFungible
)

func (k Kind) String() string {
	switch k {
	case KindFungible:
		return "fungible"
	case KindNonFungible:
		return "nonFungible"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	switch label {
	case "fungible":
		*k = KindFungible
	case "nonFungible":
		*k = KindNonFungible
	default:
		return fmt.Errorf("collateral: unknown kind %q", label)
	}
	return nil
}

// Collateral references a loan; it never owns it. A record is written once at
// lock time and flips Liquidated exactly once.
type Collateral struct {
	ID         uint64         `json:"id"`
	LoanID     uint64         `json:"loanId"`
	Owner      crypto.Address `json:"-"`
	OwnerRaw   string         `json:"owner"`
	Kind       Kind           `json:"kind"`
	Asset      string         `json:"asset"`
	Amount     *big.Int       `json:"amount,omitempty"`
	TokenID    string         `json:"tokenId,omitempty"`
	LockedAt   int64          `json:"lockedAt"`
	Liquidated bool           `json:"liquidated"`
}

// State persists collateral records and the custody accounts.
type State interface {
	GetCollateral(id uint64) (*Collateral, error)
	GetCollateralByLoan(loanID uint64) (*Collateral, error)
	PutCollateral(c *Collateral) error
	NextCollateralID() (uint64, error)
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}
