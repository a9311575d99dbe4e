package collateral

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/native/loan"
)

type mockState struct {
	records  map[uint64]*Collateral
	byLoan   map[uint64]uint64
	accounts map[string]*types.Account
	nextID   uint64
}

func newMockState() *mockState {
	return &mockState{
		records:  make(map[uint64]*Collateral),
		byLoan:   make(map[uint64]uint64),
		accounts: make(map[string]*types.Account),
	}
}

func (m *mockState) GetCollateral(id uint64) (*Collateral, error) {
	return m.records[id], nil
}

func (m *mockState) GetCollateralByLoan(loanID uint64) (*Collateral, error) {
	id, ok := m.byLoan[loanID]
	if !ok {
		return nil, nil
	}
	return m.records[id], nil
}

func (m *mockState) PutCollateral(c *Collateral) error {
	m.records[c.ID] = c
	m.byLoan[c.LoanID] = c.ID
	return nil
}

func (m *mockState) NextCollateralID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) GetAccount(addr crypto.Address) (*types.Account, error) {
	return m.accounts[string(addr.Bytes())], nil
}

func (m *mockState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[string(addr.Bytes())] = account
	return nil
}

type mockRegistry struct {
	loans map[uint64]*loan.Loan
}

func (m *mockRegistry) GetLoan(id uint64) (*loan.Loan, error) {
	ln, ok := m.loans[id]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	return ln, nil
}

func (m *mockRegistry) MarkLiquidated(id uint64) (*loan.Loan, error) {
	ln, ok := m.loans[id]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	ln.Status = loan.StatusLiquidated
	return ln, nil
}

type mockRecovery struct {
	credited *big.Int
}

func (m *mockRecovery) CreditRecovery(_ string, amount *big.Int) error {
	if m.credited == nil {
		m.credited = new(big.Int)
	}
	m.credited.Add(m.credited, amount)
	return nil
}

func makeAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func stable(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func fund(state *mockState, addr crypto.Address, amount *big.Int) {
	account := &types.Account{}
	account.EnsureBalances()
	account.BalanceCollateral = new(big.Int).Set(amount)
	state.accounts[string(addr.Bytes())] = account
}

func newTestEngine(t *testing.T, status loan.Status) (*Engine, *mockState, *mockRegistry, *mockRecovery, *FixedOracle) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	custody := makeAddress(0xC0)
	poolAddr := makeAddress(0xC1)
	state := newMockState()
	registry := &mockRegistry{loans: map[uint64]*loan.Loan{
		1: {
			ID:        1,
			Asset:     "USDT",
			Principal: stable(1_000),
			Status:    status,
		},
	}}
	recovery := &mockRecovery{}
	oracle := NewFixedOracle()
	oracle.SetQuote("TANDA", big.NewRat(1, 1), now)

	engine := NewEngine(custody, poolAddr)
	engine.SetState(state)
	engine.SetLoanRegistry(registry)
	engine.SetRecovery(recovery)
	engine.SetOracle(oracle)
	engine.SetNowFunc(func() time.Time { return now })
	return engine, state, registry, recovery, oracle
}

func TestLockMovesBalanceIntoCustody(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x01)
	fund(state, owner, stable(2_000))

	record, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_200), "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if record.Liquidated {
		t.Fatalf("fresh record marked liquidated")
	}
	ownerAccount, _ := state.GetAccount(owner)
	if ownerAccount.BalanceCollateral.Cmp(stable(800)) != 0 {
		t.Fatalf("expected owner balance 800 got %s", ownerAccount.BalanceCollateral)
	}
	custodyAccount, _ := state.GetAccount(makeAddress(0xC0))
	if custodyAccount.BalanceCollateral.Cmp(stable(1_200)) != 0 {
		t.Fatalf("expected custody balance 1200 got %s", custodyAccount.BalanceCollateral)
	}
}

func TestLockRejectsRatioOutsideBounds(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x02)
	fund(state, owner, stable(5_000))

	// 400 against a 1000 principal is 40%, below the 50% floor.
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(400), ""); !errors.Is(err, ErrUnderCollateralized) {
		t.Fatalf("expected ErrUnderCollateralized got %v", err)
	}
	// 1600 against a 1000 principal is 160%, above the 150% cap.
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_600), ""); !errors.Is(err, ErrUnderCollateralized) {
		t.Fatalf("expected ErrUnderCollateralized got %v", err)
	}
}

func TestSetRatioBoundsReplacesBand(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x07)
	fund(state, owner, stable(5_000))

	// Tighten the band to 100%-120%: the default 80% lock is now refused.
	engine.SetRatioBounds(10_000, 12_000)
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(800), ""); !errors.Is(err, ErrUnderCollateralized) {
		t.Fatalf("expected ErrUnderCollateralized got %v", err)
	}
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_100), ""); err != nil {
		t.Fatalf("lock inside the configured band: %v", err)
	}
}

func TestSetRatioBoundsIgnoresDegenerateBand(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x08)
	fund(state, owner, stable(5_000))

	engine.SetRatioBounds(0, 12_000)
	engine.SetRatioBounds(12_000, 10_000)
	// The 50%-150% default still applies.
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(800), ""); err != nil {
		t.Fatalf("lock under default band: %v", err)
	}
}

func TestLockRejectsStaleQuote(t *testing.T) {
	engine, state, _, _, oracle := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x03)
	fund(state, owner, stable(2_000))
	oracle.SetQuote("TANDA", big.NewRat(1, 1), time.Unix(1_700_000_000, 0).UTC().Add(-time.Hour))

	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_000), ""); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("expected ErrOracleStale got %v", err)
	}
}

func TestLockRejectsDoubleLock(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x04)
	fund(state, owner, stable(5_000))

	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_000), ""); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_000), ""); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked got %v", err)
	}
}

func TestLiquidateSplitsBonusAndRecovery(t *testing.T) {
	engine, state, registry, recovery, _ := newTestEngine(t, loan.StatusApproved)
	owner := makeAddress(0x05)
	liquidator := makeAddress(0x06)
	fund(state, owner, stable(2_000))

	if _, err := engine.Lock(owner, 1, KindFungible, "TANDA", stable(1_200), ""); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Not yet defaulted.
	if _, err := engine.Liquidate(1, liquidator); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible got %v", err)
	}
	registry.loans[1].Status = loan.StatusDefaulted

	result, err := engine.Liquidate(1, liquidator)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Bonus.Cmp(stable(60)) != 0 {
		t.Fatalf("expected bonus 60 got %s", result.Bonus)
	}
	if result.Recovered.Cmp(stable(1_140)) != 0 {
		t.Fatalf("expected recovery 1140 got %s", result.Recovered)
	}
	if recovery.credited.Cmp(stable(1_140)) != 0 {
		t.Fatalf("pool recovery not credited: %s", recovery.credited)
	}
	liquidatorAccount, _ := state.GetAccount(liquidator)
	if liquidatorAccount.BalanceCollateral.Cmp(stable(60)) != 0 {
		t.Fatalf("expected liquidator balance 60 got %s", liquidatorAccount.BalanceCollateral)
	}
	poolAccount, _ := state.GetAccount(makeAddress(0xC1))
	if poolAccount.BalanceCollateral.Cmp(stable(1_140)) != 0 {
		t.Fatalf("expected pool custody 1140 got %s", poolAccount.BalanceCollateral)
	}
	if registry.loans[1].Status != loan.StatusLiquidated {
		t.Fatalf("loan not marked liquidated")
	}

	if _, err := engine.Liquidate(1, liquidator); !errors.Is(err, ErrAlreadyLiquidated) {
		t.Fatalf("expected ErrAlreadyLiquidated got %v", err)
	}
}

func TestLiquidateNonFungibleTransfersToken(t *testing.T) {
	engine, _, registry, _, oracle := newTestEngine(t, loan.StatusApproved)
	now := time.Unix(1_700_000_000, 0).UTC()
	owner := makeAddress(0x07)
	liquidator := makeAddress(0x08)
	oracle.SetTokenQuote("DEED", "42", new(big.Rat).SetInt(stable(1_000)), now)

	record, err := engine.Lock(owner, 1, KindNonFungible, "DEED", nil, "42")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	registry.loans[1].Status = loan.StatusDefaulted

	result, err := engine.Liquidate(1, liquidator)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.Bonus.Cmp(stable(50)) != 0 {
		t.Fatalf("expected bonus 50 got %s", result.Bonus)
	}
	updated, err := engine.GetCollateral(record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.OwnerRaw != liquidator.String() {
		t.Fatalf("token not transferred to liquidator")
	}
	if !updated.Liquidated {
		t.Fatalf("record not marked liquidated")
	}
}
