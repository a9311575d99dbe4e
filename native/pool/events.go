package pool

import (
	"math/big"
	"strconv"

	"tandachain/core/types"
	"tandachain/crypto"
)

const (
	// TypeDeposited is emitted when a lender supplies liquidity.
	TypeDeposited = "pool.deposited"
	// TypeWithdrawn is emitted when a lender redeems shares.
	TypeWithdrawn = "pool.withdrawn"
	// TypeInterestAccrued is emitted when lazy accrual advances the indexes.
	TypeInterestAccrued = "pool.interestAccrued"
)

// Deposited captures the share mint realised by a deposit.
type Deposited struct {
	Asset  string
	User   crypto.Address
	Amount *big.Int
	Shares *big.Int
}

// EventType satisfies the events.Event interface.
func (Deposited) EventType() string { return TypeDeposited }

// Event converts the payload into a broadcastable event.
func (e Deposited) Event() *types.Event {
	return &types.Event{Type: TypeDeposited, Attributes: map[string]string{
		"asset":  e.Asset,
		"user":   e.User.String(),
		"amount": formatAmount(e.Amount),
		"shares": formatAmount(e.Shares),
	}}
}

// Withdrawn captures the share burn realised by a withdrawal.
type Withdrawn struct {
	Asset  string
	User   crypto.Address
	Amount *big.Int
	Shares *big.Int
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawn, Attributes: map[string]string{
		"asset":  e.Asset,
		"user":   e.User.String(),
		"amount": formatAmount(e.Amount),
		"shares": formatAmount(e.Shares),
	}}
}

// InterestAccrued reports the interest applied by one accrual step.
type InterestAccrued struct {
	Asset        string
	Interest     *big.Int
	ReserveShare *big.Int
	Timestamp    int64
}

func (InterestAccrued) EventType() string { return TypeInterestAccrued }

func (e InterestAccrued) Event() *types.Event {
	return &types.Event{Type: TypeInterestAccrued, Attributes: map[string]string{
		"asset":        e.Asset,
		"interest":     formatAmount(e.Interest),
		"reserveShare": formatAmount(e.ReserveShare),
		"timestamp":    strconv.FormatInt(e.Timestamp, 10),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
