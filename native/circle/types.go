package circle

import (
	"encoding/json"
	"errors"
	"fmt"

	"tandachain/crypto"
)

var (
	ErrNilState         = errors.New("circle: state not configured")
	ErrCircleNotFound   = errors.New("circle: circle not found")
	ErrProposalNotFound = errors.New("circle: proposal not found")
	ErrInvalidName      = errors.New("circle: invalid circle name")
	ErrInvalidKind      = errors.New("circle: unsupported proposal kind")
	ErrNotMember        = errors.New("circle: caller is not a member")
	ErrAlreadyMember    = errors.New("circle: wallet already a member")
	ErrScoreTooLow      = errors.New("circle: credit score below circle minimum")
	ErrCircleFull       = errors.New("circle: member capacity reached")
	ErrAlreadyVoted     = errors.New("circle: ballot already recorded")
	ErrQuorumNotMet     = errors.New("circle: quorum not met")
	ErrProposalExpired  = errors.New("circle: voting window closed")
	ErrProposalClosed   = errors.New("circle: proposal is terminal")
)

// Circle is a social lending group. Members vouch for each other's loans by
// voting on approval proposals.
type Circle struct {
	ID             uint64   `json:"id"`
	Name           string   `json:"name"`
	Members        []string `json:"members"`
	MinCreditScore uint32   `json:"minCreditScore"`
	MaxMembers     uint32   `json:"maxMembers"`
	CreatedAt      int64    `json:"createdAt"`
}

// IsMember reports whether the wallet belongs to the circle.
func (c *Circle) IsMember(addr crypto.Address) bool {
	if c == nil {
		return false
	}
	encoded := addr.String()
	for _, member := range c.Members {
		if member == encoded {
			return true
		}
	}
	return false
}

// MemberCount returns the current membership size.
func (c *Circle) MemberCount() int {
	if c == nil {
		return 0
	}
	return len(c.Members)
}

// AddMember appends a wallet, enforcing uniqueness and capacity.
func (c *Circle) AddMember(addr crypto.Address) error {
	if c.IsMember(addr) {
		return ErrAlreadyMember
	}
	if c.MaxMembers > 0 && uint32(len(c.Members)) >= c.MaxMembers {
		return ErrCircleFull
	}
	c.Members = append(c.Members, addr.String())
	return nil
}

// RemoveMember drops a wallet from the member set.
func (c *Circle) RemoveMember(addr crypto.Address) error {
	encoded := addr.String()
	for i, member := range c.Members {
		if member == encoded {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return nil
		}
	}
	return ErrNotMember
}

// ProposalKind enumerates what a circle can decide on.
type ProposalKind string

const (
	// KindLoanApprove gates a circle member's loan request.
	KindLoanApprove ProposalKind = "loan.approve"
	// KindMemberAdd invites a wallet into the circle.
	KindMemberAdd ProposalKind = "member.add"
	// KindMemberRemove expels a wallet from the circle.
	KindMemberRemove ProposalKind = "member.remove"
)

// Valid reports whether the kind is supported.
func (k ProposalKind) Valid() bool {
	switch k {
	case KindLoanApprove, KindMemberAdd, KindMemberRemove:
		return true
	default:
		return false
	}
}

// ProposalStatus tracks a proposal's lifecycle. Rejected and Executed are
// terminal; a rejected proposal cannot be retried, only reproposed.
type ProposalStatus uint8

const (
	ProposalStatusVoting ProposalStatus = iota
	ProposalStatusExecuted
	ProposalStatusRejected
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalStatusVoting:
		return "voting"
	case ProposalStatusExecuted:
		return "executed"
	case ProposalStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s ProposalStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ProposalStatus) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	for candidate := ProposalStatusVoting; candidate <= ProposalStatusRejected; candidate++ {
		if candidate.String() == label {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("circle: unknown proposal status %q", label)
}

// Proposal is one decision put to a circle's members.
type Proposal struct {
	ID           uint64         `json:"id"`
	CircleID     uint64         `json:"circleId"`
	Kind         ProposalKind   `json:"kind"`
	LoanID       uint64         `json:"loanId,omitempty"`
	Member       string         `json:"member,omitempty"`
	Proposer     string         `json:"proposer"`
	Status       ProposalStatus `json:"status"`
	VotesFor     uint32         `json:"votesFor"`
	VotesAgainst uint32         `json:"votesAgainst"`
	VotingStart  int64          `json:"votingStart"`
	VotingEnd    int64          `json:"votingEnd"`
}

// Vote records one member's ballot. A ballot is immutable once cast.
type Vote struct {
	ProposalID uint64 `json:"proposalId"`
	Voter      string `json:"voter"`
	Support    bool   `json:"support"`
	Timestamp  int64  `json:"timestamp"`
}

// Policy carries the governance knobs applied to every circle.
type Policy struct {
	QuorumBps           uint64
	VotingPeriodSeconds int64
}

// DefaultPolicy is the production governance policy: 60% member quorum over a
// seven day voting window.
func DefaultPolicy() Policy {
	return Policy{
		QuorumBps:           6_000,
		VotingPeriodSeconds: 7 * 24 * 60 * 60,
	}
}

// State persists circles, proposals and ballots.
type State interface {
	GetCircle(id uint64) (*Circle, error)
	PutCircle(c *Circle) error
	NextCircleID() (uint64, error)
	GetProposal(id uint64) (*Proposal, error)
	PutProposal(p *Proposal) error
	NextProposalID() (uint64, error)
	GetVote(proposalID uint64, voter string) (*Vote, error)
	PutVote(v *Vote) error
}
