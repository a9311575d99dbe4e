package loan

import (
	"math/big"
	"strconv"

	"tandachain/core/types"
)

const (
	// TypeLoanCreated is emitted when an approved loan is disbursed.
	TypeLoanCreated = "loan.created"
	// TypeLoanRejected is emitted when a requested loan is declined.
	TypeLoanRejected = "loan.rejected"
	// TypePaymentMade is emitted for every accepted repayment.
	TypePaymentMade = "loan.paymentMade"
	// TypeLoanCompleted is emitted when the final installment clears.
	TypeLoanCompleted = "loan.completed"
	// TypeLoanDefaulted is emitted when a loan passes the default threshold.
	TypeLoanDefaulted = "loan.defaulted"
)

// Created captures the activation of a loan and its pricing.
type Created struct {
	LoanID       uint64
	Principal    *big.Int
	RateBPS      uint64
	Installments uint32
}

func (Created) EventType() string { return TypeLoanCreated }

func (e Created) Event() *types.Event {
	return &types.Event{Type: TypeLoanCreated, Attributes: map[string]string{
		"loanId":       strconv.FormatUint(e.LoanID, 10),
		"principal":    formatAmount(e.Principal),
		"rateBps":      strconv.FormatUint(e.RateBPS, 10),
		"installments": strconv.FormatUint(uint64(e.Installments), 10),
	}}
}

// Rejected marks the terminal decline of a loan request.
type Rejected struct {
	LoanID uint64
	Reason string
}

func (Rejected) EventType() string { return TypeLoanRejected }

func (e Rejected) Event() *types.Event {
	return &types.Event{Type: TypeLoanRejected, Attributes: map[string]string{
		"loanId": strconv.FormatUint(e.LoanID, 10),
		"reason": e.Reason,
	}}
}

// PaymentMade reports the interest/principal split of one repayment.
type PaymentMade struct {
	LoanID           uint64
	Amount           *big.Int
	InterestPaid     *big.Int
	PrincipalPaid    *big.Int
	RemainingBalance *big.Int
}

func (PaymentMade) EventType() string { return TypePaymentMade }

func (e PaymentMade) Event() *types.Event {
	return &types.Event{Type: TypePaymentMade, Attributes: map[string]string{
		"loanId":           strconv.FormatUint(e.LoanID, 10),
		"amount":           formatAmount(e.Amount),
		"interestPaid":     formatAmount(e.InterestPaid),
		"principalPaid":    formatAmount(e.PrincipalPaid),
		"remainingBalance": formatAmount(e.RemainingBalance),
	}}
}

// Completed marks full repayment.
type Completed struct {
	LoanID uint64
}

func (Completed) EventType() string { return TypeLoanCompleted }

func (e Completed) Event() *types.Event {
	return &types.Event{Type: TypeLoanCompleted, Attributes: map[string]string{
		"loanId": strconv.FormatUint(e.LoanID, 10),
	}}
}

// Defaulted marks a loan past the overdue threshold.
type Defaulted struct {
	LoanID      uint64
	DaysOverdue int64
}

func (Defaulted) EventType() string { return TypeLoanDefaulted }

func (e Defaulted) Event() *types.Event {
	return &types.Event{Type: TypeLoanDefaulted, Attributes: map[string]string{
		"loanId":      strconv.FormatUint(e.LoanID, 10),
		"daysOverdue": strconv.FormatInt(e.DaysOverdue, 10),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
