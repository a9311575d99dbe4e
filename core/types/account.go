package types

import "math/big"

// Account holds the spendable balances tracked by the ledger. BalanceStable is
// denominated in the pool stablecoin's smallest unit (six decimal places);
// BalanceCollateral is denominated in the collateral token's smallest unit.
type Account struct {
	Nonce             uint64   `json:"nonce"`
	BalanceStable     *big.Int `json:"balanceStable"`
	BalanceCollateral *big.Int `json:"balanceCollateral"`
}

// EnsureBalances populates nil balance fields so callers can mutate the
// account without nil checks.
func (a *Account) EnsureBalances() {
	if a == nil {
		return
	}
	if a.BalanceStable == nil {
		a.BalanceStable = big.NewInt(0)
	}
	if a.BalanceCollateral == nil {
		a.BalanceCollateral = big.NewInt(0)
	}
}
