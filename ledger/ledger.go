package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"tandachain/core/events"
	"tandachain/core/state"
	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/native/circle"
	"tandachain/native/collateral"
	"tandachain/native/credit"
	"tandachain/native/loan"
	"tandachain/native/pool"
	"tandachain/native/rate"
	"tandachain/storage"
)

var (
	// ErrClosed is returned for submissions after shutdown began.
	ErrClosed = errors.New("ledger: executor closed")
	// ErrUnknownReceipt is returned when no receipt exists for an id.
	ErrUnknownReceipt = errors.New("ledger: unknown receipt")
)

// payloadEvent is satisfied by module events that can render a broadcastable
// payload.
type payloadEvent interface {
	events.Event
	Event() *types.Event
}

// operation is one atomic unit of work applied by the executor.
type operation struct {
	receiptID string
	apply     func(ctx context.Context) (any, error)
}

// Config wires the addresses and policies the engines need.
type Config struct {
	// PoolAddress is the custody account for pooled deposits.
	PoolAddress crypto.Address
	// CollateralAddress is the custody account for locked collateral.
	CollateralAddress crypto.Address
	// RateModel prices pool utilisation; nil selects the default curve.
	RateModel *rate.Model
	// GovernancePolicy controls circle voting; zero fields keep defaults.
	GovernancePolicy circle.Policy
}

// Ledger owns every native engine and applies all mutations through a single
// executor goroutine. Each operation runs against a staged storage overlay
// committed only on success, so a failure leaves no partial state behind.
type Ledger struct {
	db   storage.Database
	repo *state.Repository

	pools       *pool.Engine
	loans       *loan.Engine
	collaterals *collateral.Engine
	circles     *circle.Engine

	receipts *receiptStore
	queue    chan *operation
	logger   *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

// New constructs a ledger over the supplied key-value backend.
func New(db storage.Database, cfg Config) *Ledger {
	repo := state.NewRepository(db)

	pools := pool.NewEngine(cfg.PoolAddress)
	if cfg.RateModel != nil {
		pools.SetRateModel(cfg.RateModel)
	}
	loans := loan.NewEngine()
	collaterals := collateral.NewEngine(cfg.CollateralAddress, cfg.PoolAddress)
	circles := circle.NewEngine()
	circles.SetPolicy(cfg.GovernancePolicy)

	loans.SetPool(pools)
	loans.SetDefaultSink(collaterals)
	collaterals.SetLoanRegistry(loans)
	collaterals.SetRecovery(pools)
	circles.SetLoanApprover(loans)

	l := &Ledger{
		db:          db,
		repo:        repo,
		pools:       pools,
		loans:       loans,
		collaterals: collaterals,
		circles:     circles,
		receipts:    newReceiptStore(),
		queue:       make(chan *operation, 256),
		logger:      slog.Default(),
		closed:      make(chan struct{}),
		drained:     make(chan struct{}),
	}
	l.bind(repo, nil)
	return l
}

// SetLogger overrides the executor logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// SetCreditAdapter wires the borrower pricing boundary into the loan engine.
func (l *Ledger) SetCreditAdapter(adapter *credit.Adapter) {
	l.loans.SetCreditSource(adapter)
}

// SetScoreSource wires raw score lookups into circle join gating.
func (l *Ledger) SetScoreSource(source credit.Source) {
	l.circles.SetScoreSource(source)
}

// SetOracle wires the collateral valuation boundary.
func (l *Ledger) SetOracle(oracle collateral.PriceOracle) {
	l.collaterals.SetOracle(oracle)
}

// SetMaxQuoteAge bounds oracle quote staleness for collateral valuation.
func (l *Ledger) SetMaxQuoteAge(age time.Duration) {
	l.collaterals.SetMaxQuoteAge(age)
}

// SetCollateralRatioBounds replaces the accepted collateral-to-principal band
// in basis points.
func (l *Ledger) SetCollateralRatioBounds(minBps, maxBps uint64) {
	l.collaterals.SetRatioBounds(minBps, maxBps)
}

// SetNowFunc overrides the clock of every engine, for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.pools.SetNowFunc(now)
	l.loans.SetNowFunc(now)
	l.collaterals.SetNowFunc(now)
	l.circles.SetNowFunc(now)
}

// bind points every engine at the given repository view and event sink.
func (l *Ledger) bind(repo *state.Repository, emitter events.Emitter) {
	l.pools.SetState(repo)
	l.loans.SetState(repo)
	l.collaterals.SetState(repo)
	l.circles.SetState(repo)
	l.pools.SetEmitter(emitter)
	l.loans.SetEmitter(emitter)
	l.collaterals.SetEmitter(emitter)
	l.circles.SetEmitter(emitter)
}

// InitPool whitelists an asset synchronously during startup, before the
// executor begins accepting traffic.
func (l *Ledger) InitPool(asset string, active bool) error {
	return l.pools.InitPool(asset, active)
}

// CreditBalance seeds an account balance synchronously during startup
// (genesis allocations).
func (l *Ledger) CreditBalance(addr crypto.Address, stable, collateralBal *big.Int) error {
	account, err := l.repo.GetAccount(addr)
	if err != nil {
		return err
	}
	if account == nil {
		account = &types.Account{}
	}
	account.EnsureBalances()
	if stable != nil {
		account.BalanceStable = new(big.Int).Add(account.BalanceStable, stable)
	}
	if collateralBal != nil {
		account.BalanceCollateral = new(big.Int).Add(account.BalanceCollateral, collateralBal)
	}
	return l.repo.PutAccount(addr, account)
}

// Run consumes the operation queue until the context is cancelled or Close is
// called. All mutations flow through this single goroutine.
func (l *Ledger) Run(ctx context.Context) {
	defer close(l.drained)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closed:
			return
		case op := <-l.queue:
			l.execute(ctx, op)
		}
	}
}

// Close stops accepting submissions and unblocks the executor.
func (l *Ledger) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
	<-l.drained
}

// execute applies one operation atomically: stage, apply, commit or discard.
func (l *Ledger) execute(ctx context.Context, op *operation) {
	overlay := storage.NewOverlay(l.db)
	staged := l.repo.WithOverlay(overlay)
	recorder := &events.Recorder{}
	l.bind(staged, recorder)
	defer l.bind(l.repo, nil)

	result, err := op.apply(ctx)
	now := time.Now().UTC()
	if err != nil {
		overlay.Discard()
		l.receipts.settle(op.receiptID, StatusFailed, nil, err, nil, now)
		l.logger.Warn("operation failed", "receipt", op.receiptID, "err", err)
		return
	}
	if err := overlay.Commit(); err != nil {
		l.receipts.settle(op.receiptID, StatusFailed, nil, err, nil, now)
		l.logger.Error("commit failed", "receipt", op.receiptID, "err", err)
		return
	}
	l.receipts.settle(op.receiptID, StatusCommitted, result, nil, renderEvents(recorder.Events()), now)
	l.logger.Info("operation committed", "receipt", op.receiptID)
}

func renderEvents(recorded []events.Event) []*types.Event {
	out := make([]*types.Event, 0, len(recorded))
	for _, evt := range recorded {
		if p, ok := evt.(payloadEvent); ok {
			out = append(out, p.Event())
			continue
		}
		out = append(out, &types.Event{Type: evt.EventType()})
	}
	return out
}

// submit enqueues an operation and returns its receipt id immediately.
func (l *Ledger) submit(apply func(ctx context.Context) (any, error)) (string, error) {
	select {
	case <-l.closed:
		return "", ErrClosed
	default:
	}
	id := uuid.NewString()
	l.receipts.add(newReceipt(id, time.Now().UTC()))
	op := &operation{receiptID: id, apply: apply}
	select {
	case l.queue <- op:
		return id, nil
	case <-l.closed:
		return "", ErrClosed
	}
}

// Status returns a snapshot of a receipt.
func (l *Ledger) Status(id string) (*Receipt, error) {
	r, ok := l.receipts.get(id)
	if !ok {
		return nil, ErrUnknownReceipt
	}
	return r.snapshot(), nil
}

// WaitForCommit blocks until the operation settles or the context deadline
// passes. A deadline produces a receipt snapshot with StatusTimedOut; the
// operation itself may still commit afterwards.
func (l *Ledger) WaitForCommit(ctx context.Context, id string) (*Receipt, error) {
	r, ok := l.receipts.get(id)
	if !ok {
		return nil, ErrUnknownReceipt
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		snap := r.snapshot()
		if snap.Status == StatusPending {
			snap.Status = StatusTimedOut
		}
		return snap, nil
	}
}

// --- submissions ---

// DepositResult reports the shares minted by a deposit.
type DepositResult struct {
	Shares *big.Int `json:"shares"`
}

// Deposit submits a pool deposit.
func (l *Ledger) Deposit(owner crypto.Address, asset string, amount *big.Int) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		shares, err := l.pools.Deposit(owner, asset, amount)
		if err != nil {
			return nil, err
		}
		return &DepositResult{Shares: shares}, nil
	})
}

// WithdrawResult reports the amount redeemed by a share burn.
type WithdrawResult struct {
	Amount *big.Int `json:"amount"`
}

// Withdraw submits a share redemption.
func (l *Ledger) Withdraw(owner crypto.Address, asset string, shares *big.Int) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		amount, err := l.pools.Withdraw(owner, asset, shares)
		if err != nil {
			return nil, err
		}
		return &WithdrawResult{Amount: amount}, nil
	})
}

// AccrueInterest submits an explicit accrual tick for an asset.
func (l *Ledger) AccrueInterest(asset string) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		if err := l.pools.AccrueInterest(asset); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// RequestLoan submits a loan request. Loans outside a circle activate in the
// same operation: approval, disbursement and schedule generation are one
// atomic unit. Circle loans stay Requested until their proposal executes.
func (l *Ledger) RequestLoan(borrower crypto.Address, asset string, amount *big.Int, durationDays int64, freq loan.Frequency, circleID uint64, collateralized bool) (string, error) {
	return l.submit(func(ctx context.Context) (any, error) {
		record, err := l.loans.RequestLoan(ctx, borrower, asset, amount, durationDays, freq, circleID, collateralized)
		if err != nil {
			return nil, err
		}
		if record.Status == loan.StatusApproved {
			record, err = l.loans.Activate(record.ID)
			if err != nil {
				return nil, err
			}
		}
		return record, nil
	})
}

// Repay submits an installment payment.
func (l *Ledger) Repay(loanID uint64, payer crypto.Address, amount *big.Int) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.loans.Repay(loanID, payer, amount)
	})
}

// EarlyPayoff submits a discounted full payoff.
func (l *Ledger) EarlyPayoff(loanID uint64, payer crypto.Address) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.loans.EarlyPayoff(loanID, payer)
	})
}

// MarkDefaulted submits an overdue check that transitions the loan to
// Defaulted when past the threshold.
func (l *Ledger) MarkDefaulted(loanID uint64) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.loans.MarkDefaulted(loanID)
	})
}

// LockCollateral submits a collateral lock for a loan.
func (l *Ledger) LockCollateral(owner crypto.Address, loanID uint64, kind collateral.Kind, asset string, amount *big.Int, tokenID string) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.collaterals.Lock(owner, loanID, kind, asset, amount, tokenID)
	})
}

// Liquidate submits a seizure of a defaulted loan's collateral.
func (l *Ledger) Liquidate(loanID uint64, liquidator crypto.Address) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.collaterals.Liquidate(loanID, liquidator)
	})
}

// CreateCircle submits circle formation.
func (l *Ledger) CreateCircle(creator crypto.Address, name string, minScore, maxMembers uint32) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.circles.CreateCircle(creator, name, minScore, maxMembers)
	})
}

// RequestToJoin submits a membership request.
func (l *Ledger) RequestToJoin(caller crypto.Address, circleID uint64) (string, error) {
	return l.submit(func(ctx context.Context) (any, error) {
		return l.circles.RequestToJoin(ctx, caller, circleID)
	})
}

// Propose submits a circle proposal.
func (l *Ledger) Propose(proposer crypto.Address, circleID uint64, kind circle.ProposalKind, loanID uint64, member string) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.circles.Propose(proposer, circleID, kind, loanID, member)
	})
}

// VoteOnProposal submits a ballot.
func (l *Ledger) VoteOnProposal(voter crypto.Address, proposalID uint64, support bool) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		return l.circles.VoteOnProposal(voter, proposalID, support)
	})
}

// ExecuteProposal submits the execution of a quorate proposal. A loan
// approval activates the loan in the same atomic operation.
func (l *Ledger) ExecuteProposal(caller crypto.Address, proposalID uint64) (string, error) {
	return l.submit(func(context.Context) (any, error) {
		p, err := l.circles.ExecuteProposal(caller, proposalID)
		if err != nil {
			return nil, err
		}
		if p.Status == circle.ProposalStatusExecuted && p.Kind == circle.KindLoanApprove {
			if _, err := l.loans.Activate(p.LoanID); err != nil {
				return nil, err
			}
		}
		return p, nil
	})
}

// --- queries (read-only, no executor round trip) ---

// Queries read the committed repository directly: the engines' state binding
// belongs to the executor goroutine and may point at a staged overlay.

// GetPool returns the accounting state of a pool.
func (l *Ledger) GetPool(asset string) (*pool.Pool, error) {
	p, err := l.repo.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Whitelisted {
		return nil, pool.ErrInvalidAsset
	}
	return p, nil
}

// GetPosition returns a lender position, nil when absent.
func (l *Ledger) GetPosition(asset string, owner crypto.Address) (*pool.Position, error) {
	return l.repo.GetPosition(asset, owner)
}

// GetLoan returns a loan record.
func (l *Ledger) GetLoan(id uint64) (*loan.Loan, error) {
	record, err := l.repo.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, loan.ErrLoanNotFound
	}
	return record, nil
}

// GetCircle returns a circle record.
func (l *Ledger) GetCircle(id uint64) (*circle.Circle, error) {
	record, err := l.repo.GetCircle(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, circle.ErrCircleNotFound
	}
	return record, nil
}

// GetProposal returns a proposal record.
func (l *Ledger) GetProposal(id uint64) (*circle.Proposal, error) {
	record, err := l.repo.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, circle.ErrProposalNotFound
	}
	return record, nil
}

// GetAccount returns the balances of an address, nil when absent.
func (l *Ledger) GetAccount(addr crypto.Address) (*types.Account, error) {
	return l.repo.GetAccount(addr)
}

// UtilisationBps reports current pool utilisation.
func (l *Ledger) UtilisationBps(asset string) (uint64, error) {
	p, err := l.GetPool(asset)
	if err != nil {
		return 0, err
	}
	return l.pools.RateModel().UtilisationBps(p.TotalBorrowed, p.TotalDeposits), nil
}

// BorrowAPYBps reports the current borrow rate on the kinked curve.
func (l *Ledger) BorrowAPYBps(asset string) (uint64, error) {
	p, err := l.GetPool(asset)
	if err != nil {
		return 0, err
	}
	return l.pools.RateModel().BorrowAPYBps(p.TotalBorrowed, p.TotalDeposits), nil
}
