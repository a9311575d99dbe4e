package circle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tandachain/core/events"
	"tandachain/crypto"
	nativecommon "tandachain/native/common"
	"tandachain/native/credit"
	"tandachain/native/loan"
)

const (
	moduleName  = "circle"
	basisPoints = 10_000
)

// LoanApprover is the slice of the loan engine governance drives: executing a
// quorate approval proposal flips the loan to Approved, a rejection is
// terminal.
type LoanApprover interface {
	Approve(id uint64) (*loan.Loan, error)
	Reject(id uint64, reason string) (*loan.Loan, error)
}

// Engine orchestrates circle membership and proposal voting.
type Engine struct {
	state    State
	scores   credit.Source
	approver LoanApprover
	policy   Policy
	pauses   nativecommon.PauseView
	emitter  events.Emitter
	nowFn    func() time.Time
}

// NewEngine constructs a circle engine with the default policy and no-op
// dependencies.
func NewEngine() *Engine {
	return &Engine{
		policy:  DefaultPolicy(),
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the persistence backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetScoreSource wires the credit score boundary used for join gating.
func (e *Engine) SetScoreSource(source credit.Source) { e.scores = source }

// SetLoanApprover wires the loan engine.
func (e *Engine) SetLoanApprover(approver LoanApprover) { e.approver = approver }

// SetPolicy updates the governance knobs.
func (e *Engine) SetPolicy(policy Policy) {
	if policy.QuorumBps > 0 && policy.QuorumBps <= basisPoints {
		e.policy.QuorumBps = policy.QuorumBps
	}
	if policy.VotingPeriodSeconds > 0 {
		e.policy.VotingPeriodSeconds = policy.VotingPeriodSeconds
	}
}

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

// GetCircle loads a circle by id.
func (e *Engine) GetCircle(id uint64) (*Circle, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	c, err := e.state.GetCircle(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCircleNotFound
	}
	return c, nil
}

// GetProposal loads a proposal by id.
func (e *Engine) GetProposal(id uint64) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	p, err := e.state.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProposalNotFound
	}
	return p, nil
}

// CreateCircle forms a new circle with the creator as its first member.
func (e *Engine) CreateCircle(creator crypto.Address, name string, minCreditScore, maxMembers uint32) (*Circle, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.state == nil {
		return nil, ErrNilState
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	id, err := e.state.NextCircleID()
	if err != nil {
		return nil, err
	}
	c := &Circle{
		ID:             id,
		Name:           name,
		Members:        []string{creator.String()},
		MinCreditScore: minCreditScore,
		MaxMembers:     maxMembers,
		CreatedAt:      e.nowFn().Unix(),
	}
	if err := e.state.PutCircle(c); err != nil {
		return nil, err
	}
	e.emitter.Emit(Created{CircleID: c.ID, Name: c.Name, Creator: creator.String()})
	return c, nil
}

// RequestToJoin admits a wallet whose credit score meets the circle minimum,
// subject to capacity.
func (e *Engine) RequestToJoin(ctx context.Context, caller crypto.Address, circleID uint64) (*Circle, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	c, err := e.GetCircle(circleID)
	if err != nil {
		return nil, err
	}
	if e.scores == nil {
		return nil, credit.ErrScoreUnavailable
	}
	score, err := e.scores.Score(ctx, caller)
	if err != nil {
		return nil, err
	}
	if score.Value < c.MinCreditScore {
		return nil, fmt.Errorf("%w: %d < %d", ErrScoreTooLow, score.Value, c.MinCreditScore)
	}
	if err := c.AddMember(caller); err != nil {
		return nil, err
	}
	if err := e.state.PutCircle(c); err != nil {
		return nil, err
	}
	e.emitter.Emit(MemberJoined{CircleID: c.ID, Member: caller.String()})
	return c, nil
}

// Propose opens a proposal for voting. Only members may propose.
func (e *Engine) Propose(proposer crypto.Address, circleID uint64, kind ProposalKind, loanID uint64, member string) (*Proposal, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	c, err := e.GetCircle(circleID)
	if err != nil {
		return nil, err
	}
	if !c.IsMember(proposer) {
		return nil, ErrNotMember
	}
	id, err := e.state.NextProposalID()
	if err != nil {
		return nil, err
	}
	now := e.nowFn().Unix()
	p := &Proposal{
		ID:          id,
		CircleID:    circleID,
		Kind:        kind,
		LoanID:      loanID,
		Member:      member,
		Proposer:    proposer.String(),
		Status:      ProposalStatusVoting,
		VotingStart: now,
		VotingEnd:   now + e.policy.VotingPeriodSeconds,
	}
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emitter.Emit(Proposed{ProposalID: p.ID, CircleID: circleID, Kind: kind})
	return p, nil
}

// VoteOnProposal records a member ballot. One ballot per member, immutable
// once cast; votes after the window close expire the proposal.
func (e *Engine) VoteOnProposal(voter crypto.Address, proposalID uint64, support bool) (*Proposal, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalStatusVoting {
		return nil, ErrProposalClosed
	}
	now := e.nowFn().Unix()
	if now > p.VotingEnd {
		return nil, ErrProposalExpired
	}
	c, err := e.GetCircle(p.CircleID)
	if err != nil {
		return nil, err
	}
	if !c.IsMember(voter) {
		return nil, ErrNotMember
	}
	encoded := voter.String()
	existing, err := e.state.GetVote(proposalID, encoded)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyVoted
	}
	if err := e.state.PutVote(&Vote{
		ProposalID: proposalID,
		Voter:      encoded,
		Support:    support,
		Timestamp:  now,
	}); err != nil {
		return nil, err
	}
	if support {
		p.VotesFor++
	} else {
		p.VotesAgainst++
	}
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emitter.Emit(VoteCast{
		ProposalID:   proposalID,
		Voter:        encoded,
		Support:      support,
		VotesFor:     p.VotesFor,
		VotesAgainst: p.VotesAgainst,
	})
	return p, nil
}

// QuorumThreshold returns the number of supporting ballots required for the
// circle's current membership.
func (e *Engine) QuorumThreshold(c *Circle) uint32 {
	members := uint64(c.MemberCount())
	return uint32((members*e.policy.QuorumBps + basisPoints - 1) / basisPoints)
}

// Executable reports whether the proposal has reached quorum. A proposal
// becomes executable as soon as the supporting ballots reach 60% of the
// member count, even before the window closes.
func (e *Engine) Executable(p *Proposal, c *Circle) bool {
	return p.Status == ProposalStatusVoting && p.VotesFor >= e.QuorumThreshold(c)
}

// ExecuteProposal applies a quorate proposal. A proposal whose window closed
// without quorum is finalized instead: it transitions to Rejected (a
// successful state change, so it persists) and stays terminal. Callers
// inspect the returned Status to tell the two outcomes apart.
func (e *Engine) ExecuteProposal(caller crypto.Address, proposalID uint64) (*Proposal, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalStatusVoting {
		return nil, ErrProposalClosed
	}
	c, err := e.GetCircle(p.CircleID)
	if err != nil {
		return nil, err
	}
	if !c.IsMember(caller) {
		return nil, ErrNotMember
	}
	if !e.Executable(p, c) {
		if e.nowFn().Unix() > p.VotingEnd {
			p.Status = ProposalStatusRejected
			if err := e.state.PutProposal(p); err != nil {
				return nil, err
			}
			if p.Kind == KindLoanApprove && e.approver != nil {
				if _, err := e.approver.Reject(p.LoanID, "circle quorum not met"); err != nil {
					return nil, err
				}
			}
			e.emitter.Emit(RejectedProposal{ProposalID: p.ID})
			return p, nil
		}
		return nil, ErrQuorumNotMet
	}

	switch p.Kind {
	case KindLoanApprove:
		if e.approver == nil {
			return nil, ErrNilState
		}
		if _, err := e.approver.Approve(p.LoanID); err != nil {
			return nil, err
		}
	case KindMemberAdd:
		member, err := crypto.DecodeAddress(p.Member)
		if err != nil {
			return nil, fmt.Errorf("circle: invalid member address: %w", err)
		}
		if err := c.AddMember(member); err != nil {
			return nil, err
		}
		if err := e.state.PutCircle(c); err != nil {
			return nil, err
		}
		e.emitter.Emit(MemberJoined{CircleID: c.ID, Member: p.Member})
	case KindMemberRemove:
		member, err := crypto.DecodeAddress(p.Member)
		if err != nil {
			return nil, fmt.Errorf("circle: invalid member address: %w", err)
		}
		if err := c.RemoveMember(member); err != nil {
			return nil, err
		}
		if err := e.state.PutCircle(c); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidKind
	}

	p.Status = ProposalStatusExecuted
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emitter.Emit(Executed{ProposalID: p.ID, Kind: p.Kind})
	return p, nil
}
