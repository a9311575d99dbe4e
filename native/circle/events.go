package circle

import (
	"strconv"

	"tandachain/core/types"
)

const (
	// TypeCircleCreated is emitted when a new circle forms.
	TypeCircleCreated = "circle.created"
	// TypeMemberJoined is emitted when a wallet enters a circle.
	TypeMemberJoined = "circle.memberJoined"
	// TypeProposed is emitted when a proposal opens for voting.
	TypeProposed = "circle.proposed"
	// TypeVoteCast is emitted for every recorded ballot.
	TypeVoteCast = "circle.voteCast"
	// TypeProposalExecuted is emitted when a quorate proposal takes effect.
	TypeProposalExecuted = "circle.proposalExecuted"
	// TypeProposalRejected is emitted when the window closes without quorum.
	TypeProposalRejected = "circle.proposalRejected"
)

// Created reports a newly formed circle.
type Created struct {
	CircleID uint64
	Name     string
	Creator  string
}

func (Created) EventType() string { return TypeCircleCreated }

func (e Created) Event() *types.Event {
	return &types.Event{Type: TypeCircleCreated, Attributes: map[string]string{
		"circleId": strconv.FormatUint(e.CircleID, 10),
		"name":     e.Name,
		"creator":  e.Creator,
	}}
}

// MemberJoined reports a membership addition.
type MemberJoined struct {
	CircleID uint64
	Member   string
}

func (MemberJoined) EventType() string { return TypeMemberJoined }

func (e MemberJoined) Event() *types.Event {
	return &types.Event{Type: TypeMemberJoined, Attributes: map[string]string{
		"circleId": strconv.FormatUint(e.CircleID, 10),
		"member":   e.Member,
	}}
}

// Proposed reports a proposal entering its voting window.
type Proposed struct {
	ProposalID uint64
	CircleID   uint64
	Kind       ProposalKind
}

func (Proposed) EventType() string { return TypeProposed }

func (e Proposed) Event() *types.Event {
	return &types.Event{Type: TypeProposed, Attributes: map[string]string{
		"proposalId": strconv.FormatUint(e.ProposalID, 10),
		"circleId":   strconv.FormatUint(e.CircleID, 10),
		"kind":       string(e.Kind),
	}}
}

// VoteCast reports a recorded ballot and the running tally.
type VoteCast struct {
	ProposalID   uint64
	Voter        string
	Support      bool
	VotesFor     uint32
	VotesAgainst uint32
}

func (VoteCast) EventType() string { return TypeVoteCast }

func (e VoteCast) Event() *types.Event {
	return &types.Event{Type: TypeVoteCast, Attributes: map[string]string{
		"proposalId":   strconv.FormatUint(e.ProposalID, 10),
		"voter":        e.Voter,
		"support":      strconv.FormatBool(e.Support),
		"votesFor":     strconv.FormatUint(uint64(e.VotesFor), 10),
		"votesAgainst": strconv.FormatUint(uint64(e.VotesAgainst), 10),
	}}
}

// Executed reports the successful application of a proposal.
type Executed struct {
	ProposalID uint64
	Kind       ProposalKind
}

func (Executed) EventType() string { return TypeProposalExecuted }

func (e Executed) Event() *types.Event {
	return &types.Event{Type: TypeProposalExecuted, Attributes: map[string]string{
		"proposalId": strconv.FormatUint(e.ProposalID, 10),
		"kind":       string(e.Kind),
	}}
}

// RejectedProposal reports a proposal closed without quorum.
type RejectedProposal struct {
	ProposalID uint64
}

func (RejectedProposal) EventType() string { return TypeProposalRejected }

func (e RejectedProposal) Event() *types.Event {
	return &types.Event{Type: TypeProposalRejected, Attributes: map[string]string{
		"proposalId": strconv.FormatUint(e.ProposalID, 10),
	}}
}
