package collateral

import (
	"math/big"
	"strconv"

	"tandachain/core/types"
)

const (
	// TypeLocked is emitted when collateral is placed in custody.
	TypeLocked = "collateral.locked"
	// TypeLiquidated is emitted when defaulted collateral is seized.
	TypeLiquidated = "collateral.liquidated"
)

// Locked reports a new collateral lock and its valuation ratio.
type Locked struct {
	CollateralID uint64
	LoanID       uint64
	Asset        string
	Value        *big.Int
	RatioBps     uint64
}

func (Locked) EventType() string { return TypeLocked }

func (e Locked) Event() *types.Event {
	return &types.Event{Type: TypeLocked, Attributes: map[string]string{
		"collateralId": strconv.FormatUint(e.CollateralID, 10),
		"loanId":       strconv.FormatUint(e.LoanID, 10),
		"asset":        e.Asset,
		"value":        formatAmount(e.Value),
		"ratioBps":     strconv.FormatUint(e.RatioBps, 10),
	}}
}

// Liquidated reports the outcome of a seizure.
type Liquidated struct {
	LoanID    uint64
	Bonus     *big.Int
	Recovered *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{Type: TypeLiquidated, Attributes: map[string]string{
		"loanId":    strconv.FormatUint(e.LoanID, 10),
		"bonus":     formatAmount(e.Bonus),
		"recovered": formatAmount(e.Recovered),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
