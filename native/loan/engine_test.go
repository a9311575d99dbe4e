package loan

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"tandachain/crypto"
	"tandachain/native/credit"
)

type mockState struct {
	loans  map[uint64]*Loan
	nextID uint64
}

func newMockState() *mockState {
	return &mockState{loans: make(map[uint64]*Loan)}
}

func (m *mockState) GetLoan(id uint64) (*Loan, error) {
	return m.loans[id], nil
}

func (m *mockState) PutLoan(loan *Loan) error {
	m.loans[loan.ID] = loan
	return nil
}

func (m *mockState) NextLoanID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

type poolCall struct {
	kind     string
	asset    string
	amount   *big.Int
	interest *big.Int
}

type mockPool struct {
	calls []poolCall
	fail  error
}

func (m *mockPool) Disburse(asset string, _ crypto.Address, principal *big.Int) error {
	if m.fail != nil {
		return m.fail
	}
	m.calls = append(m.calls, poolCall{kind: "disburse", asset: asset, amount: new(big.Int).Set(principal)})
	return nil
}

func (m *mockPool) ReceiveRepayment(asset string, _ crypto.Address, amount, interestPortion *big.Int) error {
	if m.fail != nil {
		return m.fail
	}
	m.calls = append(m.calls, poolCall{
		kind:     "repay",
		asset:    asset,
		amount:   new(big.Int).Set(amount),
		interest: new(big.Int).Set(interestPortion),
	})
	return nil
}

type mockCredit struct {
	terms credit.Terms
	err   error
}

func (m *mockCredit) Terms(context.Context, crypto.Address, bool) (credit.Terms, error) {
	if m.err != nil {
		return credit.Terms{}, m.err
	}
	return m.terms, nil
}

type mockSink struct {
	notified []uint64
}

func (m *mockSink) NotifyDefault(id uint64) error {
	m.notified = append(m.notified, id)
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

func newTestEngine(t *testing.T, rateBPS uint64) (*Engine, *mockState, *mockPool, *mockSink) {
	t.Helper()
	state := newMockState()
	pool := &mockPool{}
	sink := &mockSink{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetPool(pool)
	engine.SetDefaultSink(sink)
	engine.SetCreditSource(&mockCredit{terms: credit.Terms{
		Tier:             credit.Tier{Label: "Good"},
		Score:            700,
		EffectiveRateBPS: rateBPS,
		BorrowingLimit:   stable(5_000),
	}})
	engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return engine, state, pool, sink
}

func TestAmortizationScheduleSumsToPrincipal(t *testing.T) {
	principal := stable(1_000)
	start := time.Unix(1_700_000_000, 0).UTC()
	n := uint32(360 / 7)
	if n != 51 {
		t.Fatalf("expected 51 installments got %d", n)
	}
	schedule, installment := generateSchedule(principal, 1_200, FrequencyWeekly, n, start)
	if len(schedule) != 51 {
		t.Fatalf("expected 51 entries got %d", len(schedule))
	}
	if installment.Sign() <= 0 {
		t.Fatalf("non-positive installment %s", installment)
	}
	sum := new(big.Int)
	for _, entry := range schedule {
		sum.Add(sum, entry.PrincipalPortion)
		if entry.InterestPortion.Sign() < 0 {
			t.Fatalf("entry %d: negative interest", entry.InstallmentNumber)
		}
	}
	if sum.Cmp(principal) != 0 {
		t.Fatalf("principal portions sum to %s, expected %s", sum, principal)
	}
	last := schedule[len(schedule)-1]
	if last.RemainingBalanceAfter.Sign() != 0 {
		t.Fatalf("schedule does not end at zero balance: %s", last.RemainingBalanceAfter)
	}
}

func TestZeroRateScheduleFallsBackToStraightLine(t *testing.T) {
	principal := stable(1_200)
	schedule, installment := generateSchedule(principal, 0, FrequencyMonthly, 12, time.Unix(1_700_000_000, 0).UTC())
	if installment.Cmp(stable(100)) != 0 {
		t.Fatalf("expected 100 per installment got %s", installment)
	}
	sum := new(big.Int)
	for _, entry := range schedule {
		if entry.InterestPortion.Sign() != 0 {
			t.Fatalf("unexpected interest at zero rate")
		}
		sum.Add(sum, entry.PrincipalPortion)
	}
	if sum.Cmp(principal) != 0 {
		t.Fatalf("principal portions sum to %s, expected %s", sum, principal)
	}
}

func TestLateFeeSchedule(t *testing.T) {
	installment := stable(100)
	cases := []struct {
		daysLate int64
		fee      *big.Int
	}{
		{0, big.NewInt(0)},
		{6, big.NewInt(0)},
		{7, stable(2)},
		{10, stable(2)},
		{20, stable(4)},
		{35, stable(10)},
	}
	for _, tc := range cases {
		got := lateFee(installment, tc.daysLate)
		if got.Cmp(tc.fee) != 0 {
			t.Fatalf("daysLate=%d: expected %s got %s", tc.daysLate, tc.fee, got)
		}
	}
}

func TestRequestLoanValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 1_000)
	borrower := makeAddress(0x01)
	ctx := context.Background()

	if _, err := engine.RequestLoan(ctx, borrower, "USDT", big.NewInt(0), 90, FrequencyWeekly, 0, false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount got %v", err)
	}
	if _, err := engine.RequestLoan(ctx, borrower, "USDT", stable(100), 20, FrequencyWeekly, 0, false); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration got %v", err)
	}
	if _, err := engine.RequestLoan(ctx, borrower, "USDT", stable(100), 400, FrequencyWeekly, 0, false); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration got %v", err)
	}
	if _, err := engine.RequestLoan(ctx, borrower, "USDT", stable(10_000), 90, FrequencyWeekly, 0, false); !errors.Is(err, ErrAmountAboveLimit) {
		t.Fatalf("expected ErrAmountAboveLimit got %v", err)
	}
}

func TestRequestLoanRefusedWithoutScore(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 1_000)
	engine.SetCreditSource(&mockCredit{err: credit.ErrScoreUnavailable})
	if _, err := engine.RequestLoan(context.Background(), makeAddress(0x01), "USDT", stable(100), 90, FrequencyWeekly, 0, false); !errors.Is(err, credit.ErrScoreUnavailable) {
		t.Fatalf("expected ErrScoreUnavailable got %v", err)
	}
}

func TestDirectLoanLifecycle(t *testing.T) {
	engine, _, pool, _ := newTestEngine(t, 3_650)
	borrower := makeAddress(0x02)
	ctx := context.Background()

	loan, err := engine.RequestLoan(ctx, borrower, "USDT", stable(1_000), 91, FrequencyWeekly, 0, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if loan.Status != StatusApproved {
		t.Fatalf("direct loan should auto-approve, got %s", loan.Status)
	}
	if loan.TotalInstallments != 13 {
		t.Fatalf("expected 13 installments got %d", loan.TotalInstallments)
	}

	loan, err = engine.Activate(loan.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if loan.Status != StatusActive {
		t.Fatalf("expected active got %s", loan.Status)
	}
	if len(pool.calls) != 1 || pool.calls[0].kind != "disburse" || pool.calls[0].amount.Cmp(stable(1_000)) != 0 {
		t.Fatalf("unexpected pool calls %+v", pool.calls)
	}

	// 3650 bps weekly: interest = remaining * 7/1000.
	result, err := engine.Repay(loan.ID, borrower, big.NewInt(27_000_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.InterestPaid.Cmp(big.NewInt(7_000_000)) != 0 {
		t.Fatalf("expected interest 7.00 got %s", result.InterestPaid)
	}
	if result.PrincipalPaid.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("expected principal 20.00 got %s", result.PrincipalPaid)
	}
	if result.RemainingBalance.Cmp(big.NewInt(980_000_000)) != 0 {
		t.Fatalf("expected remaining 980.00 got %s", result.RemainingBalance)
	}
	if len(pool.calls) != 2 || pool.calls[1].kind != "repay" || pool.calls[1].interest.Cmp(big.NewInt(7_000_000)) != 0 {
		t.Fatalf("unexpected pool calls %+v", pool.calls)
	}
}

func TestRepayRejectsUnderpayment(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 3_650)
	borrower := makeAddress(0x03)
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(1_000), 91, FrequencyWeekly, 0, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := engine.Activate(loan.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Interest alone is 7.00; anything below cannot reduce principal.
	if _, err := engine.Repay(loan.ID, borrower, big.NewInt(6_000_000)); !errors.Is(err, ErrPaymentTooSmall) {
		t.Fatalf("expected ErrPaymentTooSmall got %v", err)
	}
}

func TestRepayRejectsThirdParty(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 3_650)
	borrower := makeAddress(0x04)
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(1_000), 91, FrequencyWeekly, 0, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := engine.Activate(loan.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := engine.Repay(loan.ID, makeAddress(0x05), stable(30)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized got %v", err)
	}
}

func TestEarlyPayoffDiscountsInterest(t *testing.T) {
	engine, state, pool, _ := newTestEngine(t, 3_650)
	borrower := makeAddress(0x06)
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(1_000), 91, FrequencyWeekly, 0, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := engine.Activate(loan.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	loan, _ = state.GetLoan(loan.ID)
	scheduled := remainingScheduledInterest(loan)
	expectedInterest := new(big.Int).Div(scheduled, big.NewInt(2))

	result, err := engine.EarlyPayoff(loan.ID, borrower)
	if err != nil {
		t.Fatalf("payoff: %v", err)
	}
	if !result.Completed {
		t.Fatalf("payoff should complete the loan")
	}
	if result.InterestPaid.Cmp(expectedInterest) != 0 {
		t.Fatalf("expected interest %s got %s", expectedInterest, result.InterestPaid)
	}
	if result.PrincipalPaid.Cmp(stable(1_000)) != 0 {
		t.Fatalf("expected principal %s got %s", stable(1_000), result.PrincipalPaid)
	}
	expectedTotal := new(big.Int).Add(stable(1_000), expectedInterest)
	last := pool.calls[len(pool.calls)-1]
	if last.kind != "repay" || last.amount.Cmp(expectedTotal) != 0 {
		t.Fatalf("expected pool repayment %s got %+v", expectedTotal, last)
	}
	loan, _ = state.GetLoan(loan.ID)
	if loan.Status != StatusCompleted {
		t.Fatalf("expected completed got %s", loan.Status)
	}
}

func TestDefaultNotifiesSink(t *testing.T) {
	engine, state, _, sink := newTestEngine(t, 3_650)
	borrower := makeAddress(0x07)
	start := time.Unix(1_700_000_000, 0).UTC()
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(1_000), 91, FrequencyWeekly, 0, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := engine.Activate(loan.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// 30 days past the first due date is still within the grace threshold.
	engine.SetNowFunc(func() time.Time { return start.Add((7 + 30) * 24 * time.Hour) })
	if _, err := engine.MarkDefaulted(loan.ID); !errors.Is(err, ErrNotOverdue) {
		t.Fatalf("expected ErrNotOverdue got %v", err)
	}

	engine.SetNowFunc(func() time.Time { return start.Add((7 + 31) * 24 * time.Hour) })
	loan, err = engine.MarkDefaulted(loan.ID)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if loan.Status != StatusDefaulted {
		t.Fatalf("expected defaulted got %s", loan.Status)
	}
	if len(sink.notified) != 1 || sink.notified[0] != loan.ID {
		t.Fatalf("collateral sink not notified: %+v", sink.notified)
	}

	if _, err := engine.MarkLiquidated(loan.ID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	loan, _ = state.GetLoan(loan.ID)
	if loan.Status != StatusLiquidated {
		t.Fatalf("expected liquidated got %s", loan.Status)
	}
}

func TestCircleLoanWaitsForApproval(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 1_000)
	borrower := makeAddress(0x08)
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(500), 90, FrequencyMonthly, 7, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if loan.Status != StatusRequested {
		t.Fatalf("circle loan should stay requested, got %s", loan.Status)
	}
	if _, err := engine.Activate(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
	if _, err := engine.Approve(loan.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Activate(loan.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := engine.Approve(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double approve got %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 1_000)
	borrower := makeAddress(0x09)
	loan, err := engine.RequestLoan(context.Background(), borrower, "USDT", stable(500), 90, FrequencyMonthly, 7, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := engine.Reject(loan.ID, "insufficient vouching"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := engine.Approve(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
}
