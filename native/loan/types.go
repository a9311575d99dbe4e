package loan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"tandachain/crypto"
)

var (
	ErrNilState          = errors.New("loan: state not configured")
	ErrLoanNotFound      = errors.New("loan: loan not found")
	ErrInvalidAmount     = errors.New("loan: invalid amount")
	ErrInvalidDuration   = errors.New("loan: duration outside 30-365 days")
	ErrInvalidFrequency  = errors.New("loan: unsupported repayment frequency")
	ErrAmountAboveLimit  = errors.New("loan: amount exceeds tier borrowing limit")
	ErrInvalidTransition = errors.New("loan: invalid status transition")
	ErrUnauthorized      = errors.New("loan: caller not authorized")
	ErrPaymentTooSmall   = errors.New("loan: payment does not cover interest and penalties")
	ErrNotOverdue        = errors.New("loan: loan is not past the default threshold")
)

// Status tracks a loan through its lifecycle. Completed, Liquidated and
// Rejected are terminal.
type Status uint8

const (
	StatusRequested Status = iota
	StatusApproved
	StatusActive
	StatusCompleted
	StatusDefaulted
	StatusLiquidated
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusApproved:
		return "approved"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusDefaulted:
		return "defaulted"
	case StatusLiquidated:
		return "liquidated"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the loan can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusLiquidated || s == StatusRejected
}

// MarshalJSON stores statuses in their string form so documents and API
// responses stay readable.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	for candidate := StatusRequested; candidate <= StatusRejected; candidate++ {
		if candidate.String() == label {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("loan: unknown status %q", label)
}

// Frequency selects the repayment cadence. Interval lengths are fixed day
// counts so schedules stay deterministic.
type Frequency uint8

const (
	FrequencyWeekly Frequency = iota
	FrequencyBiweekly
	FrequencyMonthly
)

// ParseFrequency maps the wire representation onto a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch s {
	case "weekly":
		return FrequencyWeekly, nil
	case "biweekly":
		return FrequencyBiweekly, nil
	case "monthly":
		return FrequencyMonthly, nil
	default:
		return 0, ErrInvalidFrequency
	}
}

func (f Frequency) String() string {
	switch f {
	case FrequencyWeekly:
		return "weekly"
	case FrequencyBiweekly:
		return "biweekly"
	case FrequencyMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

func (f Frequency) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Frequency) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	parsed, err := ParseFrequency(label)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// IntervalDays returns the number of days between two installments.
func (f Frequency) IntervalDays() int64 {
	switch f {
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	case FrequencyMonthly:
		return 30
	default:
		return 0
	}
}

// PeriodsPerYear returns the compounding period count used for per-period
// rate conversion.
func (f Frequency) PeriodsPerYear() int64 {
	switch f {
	case FrequencyWeekly:
		return 52
	case FrequencyBiweekly:
		return 26
	case FrequencyMonthly:
		return 12
	default:
		return 0
	}
}

// ScheduleEntry is one installment of the amortization schedule. The schedule
// is produced once at activation and never mutated afterwards; early payoff
// closes the loan instead of rewriting entries.
type ScheduleEntry struct {
	InstallmentNumber     uint32   `json:"installmentNumber"`
	DueDate               int64    `json:"dueDate"`
	PrincipalPortion      *big.Int `json:"principalPortion"`
	InterestPortion       *big.Int `json:"interestPortion"`
	TotalAmount           *big.Int `json:"totalAmount"`
	RemainingBalanceAfter *big.Int `json:"remainingBalanceAfter"`
}

// Loan is the full lending record. RemainingBalance tracks outstanding
// principal only; accrued interest is charged per payment.
type Loan struct {
	ID                uint64          `json:"id"`
	Borrower          crypto.Address  `json:"-"`
	BorrowerRaw       string          `json:"borrower"`
	Asset             string          `json:"asset"`
	Principal         *big.Int        `json:"principal"`
	AnnualRateBPS     uint64          `json:"annualRateBps"`
	Frequency         Frequency       `json:"frequency"`
	DurationDays      int64           `json:"durationDays"`
	TotalInstallments uint32          `json:"totalInstallments"`
	InstallmentAmount *big.Int        `json:"installmentAmount"`
	PaidInstallments  uint32          `json:"paidInstallments"`
	RemainingBalance  *big.Int        `json:"remainingBalance"`
	Status            Status          `json:"status"`
	CircleID          uint64          `json:"circleId,omitempty"`
	CollateralRef     uint64          `json:"collateralRef,omitempty"`
	Schedule          []ScheduleEntry `json:"schedule"`
	CreatedAt         int64           `json:"createdAt"`
	ActivatedAt       int64           `json:"activatedAt"`
	ClosedAt          int64           `json:"closedAt"`
}

// NextDue returns the first unpaid schedule entry, or nil when the schedule
// is exhausted.
func (l *Loan) NextDue() *ScheduleEntry {
	if l == nil || int(l.PaidInstallments) >= len(l.Schedule) {
		return nil
	}
	return &l.Schedule[l.PaidInstallments]
}

// PaymentResult reports the split applied by a repayment.
type PaymentResult struct {
	InterestPaid     *big.Int
	PrincipalPaid    *big.Int
	PenaltyPaid      *big.Int
	RemainingBalance *big.Int
	Completed        bool
}

// State persists loans and the id sequence.
type State interface {
	GetLoan(id uint64) (*Loan, error)
	PutLoan(loan *Loan) error
	NextLoanID() (uint64, error)
}
