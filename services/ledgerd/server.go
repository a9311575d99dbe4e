package ledgerd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/ledger"
	"tandachain/native/circle"
	"tandachain/native/collateral"
	"tandachain/native/credit"
	"tandachain/native/loan"
	"tandachain/native/pool"
)

const maxRequestBody = 1 << 20

// maxAmountBits mirrors the ledger-side bound so oversized amounts are
// rejected at the edge instead of round-tripping through the executor.
const maxAmountBits = 128

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger *ledger.Ledger
	// Metrics may be nil; a private registry is created in that case.
	Metrics *Metrics
	Logger  *slog.Logger
	// RequestsPerSecond throttles inbound submissions. Zero disables the
	// limiter.
	RequestsPerSecond float64
	Burst             int
	// WaitTimeout bounds synchronous confirmation when a caller asks for
	// ?wait=true. Defaults to 10s.
	WaitTimeout time.Duration
}

// Server exposes the ledger over HTTP JSON.
type Server struct {
	ledger      *ledger.Ledger
	metrics     *Metrics
	logger      *slog.Logger
	limiter     *rate.Limiter
	waitTimeout time.Duration

	router http.Handler
}

// New constructs a configured HTTP router over the given ledger.
func New(cfg Config) *Server {
	if cfg.Ledger == nil {
		panic("ledgerd: ledger required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	srv := &Server{
		ledger:      cfg.Ledger,
		metrics:     metrics,
		logger:      logger,
		limiter:     limiter,
		waitTimeout: waitTimeout,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.metrics.Middleware("ledgerd"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(submit chi.Router) {
			submit.Use(s.throttle)
			submit.Post("/pools/{asset}/deposit", s.handleDeposit)
			submit.Post("/pools/{asset}/withdraw", s.handleWithdraw)
			submit.Post("/pools/{asset}/accrue", s.handleAccrue)
			submit.Post("/loans", s.handleRequestLoan)
			submit.Post("/loans/{id}/repay", s.handleRepay)
			submit.Post("/loans/{id}/payoff", s.handlePayoff)
			submit.Post("/loans/{id}/default", s.handleMarkDefaulted)
			submit.Post("/loans/{id}/collateral", s.handleLockCollateral)
			submit.Post("/loans/{id}/liquidate", s.handleLiquidate)
			submit.Post("/circles", s.handleCreateCircle)
			submit.Post("/circles/{id}/join", s.handleJoinCircle)
			submit.Post("/circles/{id}/proposals", s.handlePropose)
			submit.Post("/proposals/{id}/votes", s.handleVote)
			submit.Post("/proposals/{id}/execute", s.handleExecute)
		})

		api.Get("/tx/{id}", s.handleReceipt)
		api.Get("/pools/{asset}", s.handleGetPool)
		api.Get("/pools/{asset}/positions/{owner}", s.handleGetPosition)
		api.Get("/loans/{id}", s.handleGetLoan)
		api.Get("/circles/{id}", s.handleGetCircle)
		api.Get("/proposals/{id}", s.handleGetProposal)
	})

	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("ledgerd: request rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitResponse struct {
	TxID   string `json:"txId"`
	Status string `json:"status"`
}

type receiptResponse struct {
	TxID        string         `json:"txId"`
	Status      string         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Events      []*types.Event `json:"events,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	SettledAt   *time.Time     `json:"settledAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, ok := s.parseAddress(w, req.Owner)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	id, err := s.ledger.Deposit(owner, chi.URLParam(r, "asset"), amount)
	s.respondSubmitted(w, r, "deposit", id, err)
}

type withdrawRequest struct {
	Owner  string `json:"owner"`
	Shares string `json:"shares"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, ok := s.parseAddress(w, req.Owner)
	if !ok {
		return
	}
	shares, ok := s.parseAmount(w, req.Shares)
	if !ok {
		return
	}
	id, err := s.ledger.Withdraw(owner, chi.URLParam(r, "asset"), shares)
	s.respondSubmitted(w, r, "withdraw", id, err)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	id, err := s.ledger.AccrueInterest(chi.URLParam(r, "asset"))
	s.respondSubmitted(w, r, "accrue", id, err)
}

type loanRequest struct {
	Borrower       string `json:"borrower"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	DurationDays   int64  `json:"durationDays"`
	Frequency      string `json:"frequency"`
	CircleID       uint64 `json:"circleId,omitempty"`
	Collateralized bool   `json:"collateralized,omitempty"`
}

func (s *Server) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !s.decode(w, r, &req) {
		return
	}
	borrower, ok := s.parseAddress(w, req.Borrower)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	freq, err := loan.ParseFrequency(req.Frequency)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.ledger.RequestLoan(borrower, req.Asset, amount, req.DurationDays, freq, req.CircleID, req.Collateralized)
	s.respondSubmitted(w, r, "requestLoan", id, err)
}

type repayRequest struct {
	Payer  string `json:"payer"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !s.decode(w, r, &req) {
		return
	}
	payer, ok := s.parseAddress(w, req.Payer)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	id, err := s.ledger.Repay(loanID, payer, amount)
	s.respondSubmitted(w, r, "repay", id, err)
}

type payoffRequest struct {
	Payer string `json:"payer"`
}

func (s *Server) handlePayoff(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req payoffRequest
	if !s.decode(w, r, &req) {
		return
	}
	payer, ok := s.parseAddress(w, req.Payer)
	if !ok {
		return
	}
	id, err := s.ledger.EarlyPayoff(loanID, payer)
	s.respondSubmitted(w, r, "earlyPayoff", id, err)
}

func (s *Server) handleMarkDefaulted(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	id, err := s.ledger.MarkDefaulted(loanID)
	s.respondSubmitted(w, r, "markDefaulted", id, err)
}

type lockCollateralRequest struct {
	Owner   string          `json:"owner"`
	Kind    collateral.Kind `json:"kind"`
	Asset   string          `json:"asset"`
	Amount  string          `json:"amount,omitempty"`
	TokenID string          `json:"tokenId,omitempty"`
}

func (s *Server) handleLockCollateral(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req lockCollateralRequest
	if !s.decode(w, r, &req) {
		return
	}
	owner, ok := s.parseAddress(w, req.Owner)
	if !ok {
		return
	}
	amount := big.NewInt(0)
	if req.Kind == collateral.KindFungible {
		if amount, ok = s.parseAmount(w, req.Amount); !ok {
			return
		}
	}
	id, err := s.ledger.LockCollateral(owner, loanID, req.Kind, req.Asset, amount, req.TokenID)
	s.respondSubmitted(w, r, "lockCollateral", id, err)
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, ok := s.parseAddress(w, req.Liquidator)
	if !ok {
		return
	}
	id, err := s.ledger.Liquidate(loanID, liquidator)
	s.respondSubmitted(w, r, "liquidate", id, err)
}

type createCircleRequest struct {
	Creator    string `json:"creator"`
	Name       string `json:"name"`
	MinScore   uint32 `json:"minScore"`
	MaxMembers uint32 `json:"maxMembers"`
}

func (s *Server) handleCreateCircle(w http.ResponseWriter, r *http.Request) {
	var req createCircleRequest
	if !s.decode(w, r, &req) {
		return
	}
	creator, ok := s.parseAddress(w, req.Creator)
	if !ok {
		return
	}
	id, err := s.ledger.CreateCircle(creator, req.Name, req.MinScore, req.MaxMembers)
	s.respondSubmitted(w, r, "createCircle", id, err)
}

type joinCircleRequest struct {
	Wallet string `json:"wallet"`
}

func (s *Server) handleJoinCircle(w http.ResponseWriter, r *http.Request) {
	circleID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req joinCircleRequest
	if !s.decode(w, r, &req) {
		return
	}
	wallet, ok := s.parseAddress(w, req.Wallet)
	if !ok {
		return
	}
	id, err := s.ledger.RequestToJoin(wallet, circleID)
	s.respondSubmitted(w, r, "joinCircle", id, err)
}

type proposeRequest struct {
	Proposer string `json:"proposer"`
	Kind     string `json:"kind"`
	LoanID   uint64 `json:"loanId,omitempty"`
	Member   string `json:"member,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	circleID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if !s.decode(w, r, &req) {
		return
	}
	proposer, ok := s.parseAddress(w, req.Proposer)
	if !ok {
		return
	}
	kind := circle.ProposalKind(strings.TrimSpace(req.Kind))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, circle.ErrInvalidKind)
		return
	}
	id, err := s.ledger.Propose(proposer, circleID, kind, req.LoanID, req.Member)
	s.respondSubmitted(w, r, "propose", id, err)
}

type voteRequest struct {
	Voter   string `json:"voter"`
	Support bool   `json:"support"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	proposalID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if !s.decode(w, r, &req) {
		return
	}
	voter, ok := s.parseAddress(w, req.Voter)
	if !ok {
		return
	}
	id, err := s.ledger.VoteOnProposal(voter, proposalID, req.Support)
	s.respondSubmitted(w, r, "vote", id, err)
}

type executeRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	proposalID, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseAddress(w, req.Caller)
	if !ok {
		return
	}
	id, err := s.ledger.ExecuteProposal(caller, proposalID)
	s.respondSubmitted(w, r, "executeProposal", id, err)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.ledger.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renderReceipt(receipt))
}

type poolResponse struct {
	*pool.Pool
	UtilisationBPS uint64 `json:"utilisationBps"`
	BorrowAPYBPS   uint64 `json:"borrowApyBps"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	p, err := s.ledger.GetPool(asset)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	utilisation, err := s.ledger.UtilisationBps(asset)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	apy, err := s.ledger.BorrowAPYBps(asset)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, poolResponse{Pool: p, UtilisationBPS: utilisation, BorrowAPYBPS: apy})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.parseAddress(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	position, err := s.ledger.GetPosition(chi.URLParam(r, "asset"), owner)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	record, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetCircle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	record, err := s.ledger.GetCircle(id)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	record, err := s.ledger.GetProposal(id)
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// respondSubmitted settles the HTTP response for a submitted operation and
// spawns the settlement watcher feeding the operation metrics. When the
// caller asked for ?wait=true the response carries the settled receipt
// instead of the pending acknowledgement.
func (s *Server) respondSubmitted(w http.ResponseWriter, r *http.Request, operation, txID string, err error) {
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	submitted := time.Now()
	watch := func(ctx context.Context) (*ledger.Receipt, error) {
		receipt, werr := s.ledger.WaitForCommit(ctx, txID)
		if werr != nil {
			return nil, werr
		}
		s.metrics.ObserveOperation(operation, string(receipt.Status), time.Since(submitted))
		return receipt, nil
	}

	if wantWait(r) {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		receipt, werr := watch(ctx)
		if werr != nil {
			s.writeError(w, http.StatusInternalServerError, werr)
			return
		}
		s.writeJSON(w, http.StatusOK, renderReceipt(receipt))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.waitTimeout)
		defer cancel()
		if _, werr := watch(ctx); werr != nil {
			s.logger.Warn("operation watch failed", "tx", txID, "err", werr)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, submitResponse{TxID: txID, Status: string(ledger.StatusPending)})
}

func wantWait(r *http.Request) bool {
	wait, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))
	return err == nil && wait
}

func renderReceipt(receipt *ledger.Receipt) receiptResponse {
	resp := receiptResponse{
		TxID:        receipt.ID,
		Status:      string(receipt.Status),
		Result:      receipt.Result,
		Error:       receipt.Err,
		Events:      receipt.Events,
		SubmittedAt: receipt.SubmittedAt,
	}
	if !receipt.SettledAt.IsZero() {
		settled := receipt.SettledAt
		resp.SettledAt = &settled
	}
	return resp
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer func() { _ = body.Close() }()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("ledgerd: invalid request payload"))
		return false
	}
	return true
}

func (s *Server) parseAddress(w http.ResponseWriter, raw string) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, false
	}
	return addr, true
}

// parseAmount accepts non-negative decimal strings. Parsing through uint256
// rejects signs, exponents and values beyond 256 bits before the extra
// 128-bit ledger bound is applied.
func (s *Server) parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("ledgerd: invalid amount"))
		return nil, false
	}
	if value.BitLen() > maxAmountBits {
		s.writeError(w, http.StatusBadRequest, pool.ErrAmountOverflow)
		return nil, false
	}
	return value.ToBig(), true
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("ledgerd: invalid identifier"))
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// httpStatus maps ledger sentinels onto HTTP statuses so clients can branch
// without string matching.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pool.ErrPoolNotFound),
		errors.Is(err, pool.ErrInvalidAsset),
		errors.Is(err, loan.ErrLoanNotFound),
		errors.Is(err, collateral.ErrCollateralNotFound),
		errors.Is(err, circle.ErrCircleNotFound),
		errors.Is(err, circle.ErrProposalNotFound),
		errors.Is(err, ledger.ErrUnknownReceipt):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrZeroAmount),
		errors.Is(err, pool.ErrAmountOverflow),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInvalidDuration),
		errors.Is(err, loan.ErrInvalidFrequency),
		errors.Is(err, collateral.ErrInvalidAmount),
		errors.Is(err, circle.ErrInvalidName),
		errors.Is(err, circle.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, loan.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, credit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, credit.ErrScoreUnavailable),
		errors.Is(err, collateral.ErrOracleUnavailable),
		errors.Is(err, collateral.ErrOracleStale),
		errors.Is(err, ledger.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrPoolInactive),
		errors.Is(err, pool.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrReentrancy),
		errors.Is(err, loan.ErrAmountAboveLimit),
		errors.Is(err, loan.ErrInvalidTransition),
		errors.Is(err, loan.ErrPaymentTooSmall),
		errors.Is(err, loan.ErrNotOverdue),
		errors.Is(err, collateral.ErrUnderCollateralized),
		errors.Is(err, collateral.ErrAlreadyLocked),
		errors.Is(err, collateral.ErrAlreadyLiquidated),
		errors.Is(err, collateral.ErrNotEligible),
		errors.Is(err, collateral.ErrInsufficientBalance),
		errors.Is(err, circle.ErrNotMember),
		errors.Is(err, circle.ErrAlreadyMember),
		errors.Is(err, circle.ErrScoreTooLow),
		errors.Is(err, circle.ErrCircleFull),
		errors.Is(err, circle.ErrAlreadyVoted),
		errors.Is(err, circle.ErrQuorumNotMet),
		errors.Is(err, circle.ErrProposalExpired),
		errors.Is(err, circle.ErrProposalClosed),
		errors.Is(err, credit.ErrScoreExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
