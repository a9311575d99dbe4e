package loan

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"tandachain/core/events"
	"tandachain/crypto"
	nativecommon "tandachain/native/common"
	"tandachain/native/credit"
)

const moduleName = "loan"

// PoolLedger is the slice of the pool engine the loan engine drives: cash out
// on activation, cash in on repayment.
type PoolLedger interface {
	Disburse(asset string, borrower crypto.Address, principal *big.Int) error
	ReceiveRepayment(asset string, payer crypto.Address, amount, interestPortion *big.Int) error
}

// CreditSource prices a borrower. The adapter in native/credit satisfies it.
type CreditSource interface {
	Terms(ctx context.Context, wallet crypto.Address, collateralized bool) (credit.Terms, error)
}

// DefaultSink receives default notifications, normally the collateral
// manager.
type DefaultSink interface {
	NotifyDefault(loanID uint64) error
}

// Engine owns the loan lifecycle state machine.
type Engine struct {
	state   State
	pool    PoolLedger
	credit  CreditSource
	sink    DefaultSink
	pauses  nativecommon.PauseView
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine returns a loan engine with a no-op emitter; collaborators are
// wired via the Set helpers.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetPool wires the pool ledger used for disbursement and repayment routing.
func (e *Engine) SetPool(pool PoolLedger) { e.pool = pool }

// SetCreditSource wires the borrower pricing boundary.
func (e *Engine) SetCreditSource(source CreditSource) { e.credit = source }

// SetDefaultSink wires the collateral notification target.
func (e *Engine) SetDefaultSink(sink DefaultSink) { e.sink = sink }

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

func (e *Engine) now() time.Time { return e.nowFn() }

// GetLoan loads a loan by id.
func (e *Engine) GetLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	return loan, nil
}

// RequestLoan validates a borrow request against the borrower's credit tier
// and records it. Loans outside a circle are approved immediately; circle
// loans stay Requested until governance executes the approval.
func (e *Engine) RequestLoan(ctx context.Context, borrower crypto.Address, asset string, amount *big.Int, durationDays int64, freq Frequency, circleID uint64, collateralized bool) (*Loan, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.state == nil || e.pool == nil {
		return nil, ErrNilState
	}
	if e.credit == nil {
		return nil, credit.ErrScoreUnavailable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if durationDays < minDuration || durationDays > maxDuration {
		return nil, ErrInvalidDuration
	}
	interval := freq.IntervalDays()
	if interval == 0 {
		return nil, ErrInvalidFrequency
	}
	terms, err := e.credit.Terms(ctx, borrower, collateralized)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(terms.BorrowingLimit) > 0 {
		return nil, ErrAmountAboveLimit
	}
	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	loan := &Loan{
		ID:                id,
		Borrower:          borrower,
		BorrowerRaw:       borrower.String(),
		Asset:             asset,
		Principal:         new(big.Int).Set(amount),
		AnnualRateBPS:     terms.EffectiveRateBPS,
		Frequency:         freq,
		DurationDays:      durationDays,
		TotalInstallments: uint32(durationDays / interval),
		RemainingBalance:  new(big.Int).Set(amount),
		Status:            StatusRequested,
		CircleID:          circleID,
		CreatedAt:         now.Unix(),
	}
	if loan.TotalInstallments == 0 {
		return nil, ErrInvalidDuration
	}
	if circleID == 0 {
		loan.Status = StatusApproved
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// Approve moves a circle-gated loan out of Requested. Governance execution
// calls this once the proposal reaches quorum.
func (e *Engine) Approve(id uint64) (*Loan, error) {
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusRequested {
		return nil, fmt.Errorf("%w: %s -> approved", ErrInvalidTransition, loan.Status)
	}
	loan.Status = StatusApproved
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// Reject declines a requested loan. Terminal.
func (e *Engine) Reject(id uint64, reason string) (*Loan, error) {
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusRequested {
		return nil, fmt.Errorf("%w: %s -> rejected", ErrInvalidTransition, loan.Status)
	}
	loan.Status = StatusRejected
	loan.ClosedAt = e.now().Unix()
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(Rejected{LoanID: loan.ID, Reason: reason})
	return loan, nil
}

// Activate disburses an approved loan from the pool and generates the
// amortization schedule. The schedule is computed exactly once.
func (e *Engine) Activate(id uint64) (*Loan, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusApproved {
		return nil, fmt.Errorf("%w: %s -> active", ErrInvalidTransition, loan.Status)
	}
	if err := e.pool.Disburse(loan.Asset, loan.Borrower, loan.Principal); err != nil {
		return nil, err
	}
	now := e.now()
	schedule, installment := generateSchedule(loan.Principal, loan.AnnualRateBPS, loan.Frequency, loan.TotalInstallments, now)
	loan.Schedule = schedule
	loan.InstallmentAmount = installment
	loan.Status = StatusActive
	loan.ActivatedAt = now.Unix()
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(Created{
		LoanID:       loan.ID,
		Principal:    loan.Principal,
		RateBPS:      loan.AnnualRateBPS,
		Installments: loan.TotalInstallments,
	})
	return loan, nil
}

// AmountDue returns the total required to bring the loan current on its next
// installment: scheduled total plus any accrued late fee.
func (e *Engine) AmountDue(id uint64) (*big.Int, error) {
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	entry := loan.NextDue()
	if entry == nil {
		return new(big.Int), nil
	}
	due := new(big.Int).Set(entry.TotalAmount)
	due.Add(due, lateFee(loan.InstallmentAmount, e.daysLate(entry)))
	return due, nil
}

// Repay applies a payment to an active loan. Interest and penalties are
// satisfied first; the remainder reduces principal. The full amount is routed
// back to the pool.
func (e *Engine) Repay(id uint64, payer crypto.Address, amount *big.Int) (*PaymentResult, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return nil, fmt.Errorf("%w: repay on %s loan", ErrInvalidTransition, loan.Status)
	}
	if loan.BorrowerRaw != payer.String() {
		return nil, ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	interest := periodInterest(loan.RemainingBalance, loan.AnnualRateBPS, loan.Frequency)
	penalty := new(big.Int)
	if entry := loan.NextDue(); entry != nil {
		penalty = lateFee(loan.InstallmentAmount, e.daysLate(entry))
	}
	carried := new(big.Int).Add(interest, penalty)
	if amount.Cmp(carried) < 0 {
		return nil, ErrPaymentTooSmall
	}
	principal := new(big.Int).Sub(amount, carried)
	if principal.Cmp(loan.RemainingBalance) > 0 {
		principal = new(big.Int).Set(loan.RemainingBalance)
	}

	if err := e.pool.ReceiveRepayment(loan.Asset, payer, amount, carried); err != nil {
		return nil, err
	}

	loan.RemainingBalance = new(big.Int).Sub(loan.RemainingBalance, principal)
	loan.PaidInstallments++
	result := &PaymentResult{
		InterestPaid:     interest,
		PrincipalPaid:    principal,
		PenaltyPaid:      penalty,
		RemainingBalance: new(big.Int).Set(loan.RemainingBalance),
	}
	if loan.PaidInstallments >= loan.TotalInstallments && loan.RemainingBalance.Sign() <= 0 {
		loan.Status = StatusCompleted
		loan.ClosedAt = e.now().Unix()
		result.Completed = true
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(PaymentMade{
		LoanID:           loan.ID,
		Amount:           amount,
		InterestPaid:     interest,
		PrincipalPaid:    principal,
		RemainingBalance: result.RemainingBalance,
	})
	if result.Completed {
		e.emitter.Emit(Completed{LoanID: loan.ID})
	}
	return result, nil
}

// EarlyPayoff closes an active loan in one payment: the outstanding principal
// plus half of the remaining scheduled interest.
func (e *Engine) EarlyPayoff(id uint64, payer crypto.Address) (*PaymentResult, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return nil, fmt.Errorf("%w: payoff on %s loan", ErrInvalidTransition, loan.Status)
	}
	if loan.BorrowerRaw != payer.String() {
		return nil, ErrUnauthorized
	}
	discounted := remainingScheduledInterest(loan)
	discounted.Div(discounted, big.NewInt(2))
	payoff := new(big.Int).Add(loan.RemainingBalance, discounted)
	if err := e.pool.ReceiveRepayment(loan.Asset, payer, payoff, discounted); err != nil {
		return nil, err
	}
	principal := new(big.Int).Set(loan.RemainingBalance)
	loan.RemainingBalance = new(big.Int)
	loan.PaidInstallments = loan.TotalInstallments
	loan.Status = StatusCompleted
	loan.ClosedAt = e.now().Unix()
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(PaymentMade{
		LoanID:           loan.ID,
		Amount:           payoff,
		InterestPaid:     discounted,
		PrincipalPaid:    principal,
		RemainingBalance: new(big.Int),
	})
	e.emitter.Emit(Completed{LoanID: loan.ID})
	return &PaymentResult{
		InterestPaid:     discounted,
		PrincipalPaid:    principal,
		PenaltyPaid:      new(big.Int),
		RemainingBalance: new(big.Int),
		Completed:        true,
	}, nil
}

// MarkDefaulted transitions an active loan past the 30 day overdue threshold
// to Defaulted and notifies the collateral sink. Penalty accrual stops here.
func (e *Engine) MarkDefaulted(id uint64) (*Loan, error) {
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s -> defaulted", ErrInvalidTransition, loan.Status)
	}
	entry := loan.NextDue()
	if entry == nil {
		return nil, ErrNotOverdue
	}
	days := e.daysLate(entry)
	if days <= defaultAfter {
		return nil, ErrNotOverdue
	}
	loan.Status = StatusDefaulted
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(Defaulted{LoanID: loan.ID, DaysOverdue: days})
	if e.sink != nil {
		if err := e.sink.NotifyDefault(loan.ID); err != nil {
			return nil, err
		}
	}
	return loan, nil
}

// MarkLiquidated records the terminal outcome of collateral liquidation.
func (e *Engine) MarkLiquidated(id uint64) (*Loan, error) {
	loan, err := e.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusDefaulted {
		return nil, fmt.Errorf("%w: %s -> liquidated", ErrInvalidTransition, loan.Status)
	}
	loan.Status = StatusLiquidated
	loan.ClosedAt = e.now().Unix()
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// daysLate returns the whole days elapsed past an entry's due date, zero when
// the entry is not yet due.
func (e *Engine) daysLate(entry *ScheduleEntry) int64 {
	delta := e.now().Unix() - entry.DueDate
	if delta <= 0 {
		return 0
	}
	return delta / secondsPerDay
}

// periodInterest computes remainingBalance * rate * intervalDays / 365 in
// basis points, rounded half up.
func periodInterest(remaining *big.Int, annualRateBPS uint64, freq Frequency) *big.Int {
	num := new(big.Int).Mul(remaining, new(big.Int).SetUint64(annualRateBPS))
	num.Mul(num, big.NewInt(freq.IntervalDays()))
	den := big.NewInt(365 * basisPoints)
	num.Mul(num, big.NewInt(2))
	num.Add(num, den)
	return num.Div(num, new(big.Int).Mul(den, big.NewInt(2)))
}
