package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/native/circle"
	"tandachain/native/collateral"
	"tandachain/native/loan"
	"tandachain/native/pool"
	"tandachain/storage"
)

var (
	_ pool.State       = (*Repository)(nil)
	_ loan.State       = (*Repository)(nil)
	_ collateral.State = (*Repository)(nil)
	_ circle.State     = (*Repository)(nil)
)

func makeAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func TestAccountRoundTrip(t *testing.T) {
	repo := NewRepository(storage.NewMemDB())
	addr := makeAddress(0x01)

	missing, err := repo.GetAccount(addr)
	require.NoError(t, err)
	require.Nil(t, missing)

	account := &types.Account{Nonce: 3}
	account.EnsureBalances()
	account.BalanceStable = big.NewInt(1_000_000)
	require.NoError(t, repo.PutAccount(addr, account))

	loaded, err := repo.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(3), loaded.Nonce)
	require.Zero(t, loaded.BalanceStable.Cmp(big.NewInt(1_000_000)))
}

func TestPoolAndPositionRoundTrip(t *testing.T) {
	repo := NewRepository(storage.NewMemDB())
	owner := makeAddress(0x02)

	p := &pool.Pool{
		Asset:         "USDT",
		TotalDeposits: big.NewInt(500),
		TotalBorrowed: big.NewInt(100),
		TotalReserves: big.NewInt(5),
		TotalShares:   big.NewInt(500),
		BorrowIndex:   big.NewInt(1),
		Active:        true,
		Whitelisted:   true,
	}
	require.NoError(t, repo.PutPool(p))
	loaded, err := repo.GetPool("USDT")
	require.NoError(t, err)
	require.Zero(t, loaded.TotalDeposits.Cmp(big.NewInt(500)))

	position := &pool.Position{
		Owner:              owner,
		OwnerRaw:           owner.Bytes(),
		Asset:              "USDT",
		Shares:             big.NewInt(500),
		PrincipalDeposited: big.NewInt(500),
	}
	require.NoError(t, repo.PutPosition(position))
	got, err := repo.GetPosition("USDT", owner)
	require.NoError(t, err)
	require.Equal(t, owner.String(), got.Owner.String())

	require.NoError(t, repo.DeletePosition("USDT", owner))
	gone, err := repo.GetPosition("USDT", owner)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestLoanRoundTripRestoresBorrower(t *testing.T) {
	repo := NewRepository(storage.NewMemDB())
	borrower := makeAddress(0x03)

	id, err := repo.NextLoanID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	id, err = repo.NextLoanID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)

	record := &loan.Loan{
		ID:               id,
		Borrower:         borrower,
		BorrowerRaw:      borrower.String(),
		Asset:            "USDT",
		Principal:        big.NewInt(1_000_000_000),
		RemainingBalance: big.NewInt(1_000_000_000),
		Status:           loan.StatusActive,
	}
	require.NoError(t, repo.PutLoan(record))
	loaded, err := repo.GetLoan(id)
	require.NoError(t, err)
	require.Equal(t, borrower.String(), loaded.Borrower.String())
	require.Equal(t, loan.StatusActive, loaded.Status)
}

func TestCollateralLoanIndex(t *testing.T) {
	repo := NewRepository(storage.NewMemDB())
	owner := makeAddress(0x04)

	id, err := repo.NextCollateralID()
	require.NoError(t, err)
	record := &collateral.Collateral{
		ID:       id,
		LoanID:   9,
		Owner:    owner,
		OwnerRaw: owner.String(),
		Kind:     collateral.KindFungible,
		Asset:    "TANDA",
		Amount:   big.NewInt(42),
	}
	require.NoError(t, repo.PutCollateral(record))

	byLoan, err := repo.GetCollateralByLoan(9)
	require.NoError(t, err)
	require.Equal(t, id, byLoan.ID)
	require.Equal(t, owner.String(), byLoan.Owner.String())

	none, err := repo.GetCollateralByLoan(10)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCircleVotesRoundTrip(t *testing.T) {
	repo := NewRepository(storage.NewMemDB())
	member := makeAddress(0x05)

	circleID, err := repo.NextCircleID()
	require.NoError(t, err)
	require.NoError(t, repo.PutCircle(&circle.Circle{ID: circleID, Name: "savings", Members: []string{member.String()}}))

	proposalID, err := repo.NextProposalID()
	require.NoError(t, err)
	require.NoError(t, repo.PutProposal(&circle.Proposal{ID: proposalID, CircleID: circleID, Kind: circle.KindLoanApprove}))

	require.NoError(t, repo.PutVote(&circle.Vote{ProposalID: proposalID, Voter: member.String(), Support: true}))
	vote, err := repo.GetVote(proposalID, member.String())
	require.NoError(t, err)
	require.True(t, vote.Support)

	missing, err := repo.GetVote(proposalID, "tan1unknown")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestOverlayStagesRepositoryWrites(t *testing.T) {
	base := storage.NewMemDB()
	repo := NewRepository(base)
	overlay := storage.NewOverlay(base)
	staged := repo.WithOverlay(overlay)

	p := &pool.Pool{Asset: "USDT", TotalDeposits: big.NewInt(7), TotalBorrowed: big.NewInt(0), TotalReserves: big.NewInt(0), TotalShares: big.NewInt(7), BorrowIndex: big.NewInt(1), Active: true, Whitelisted: true}
	require.NoError(t, staged.PutPool(p))

	// Not visible through the base until commit.
	fromBase, err := repo.GetPool("USDT")
	require.NoError(t, err)
	require.Nil(t, fromBase)

	require.NoError(t, overlay.Commit())
	fromBase, err = repo.GetPool("USDT")
	require.NoError(t, err)
	require.NotNil(t, fromBase)
}
