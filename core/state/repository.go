package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"tandachain/core/types"
	"tandachain/crypto"
	"tandachain/native/circle"
	"tandachain/native/collateral"
	"tandachain/native/loan"
	"tandachain/native/pool"
	"tandachain/storage"
)

// Key prefixes. Every record family gets its own namespace so backends can
// iterate or shard by prefix later.
const (
	prefixAccount        = "acct/"
	prefixPool           = "pool/"
	prefixPosition       = "pos/"
	prefixLoan           = "loan/"
	prefixCollateral     = "coll/"
	prefixCollateralLoan = "coll-loan/"
	prefixCircle         = "circle/"
	prefixProposal       = "prop/"
	prefixVote           = "vote/"
	prefixSequence       = "seq/"
)

// Repository persists every engine's records as JSON documents in one
// key-value store. It satisfies the State interface of each native module, so
// a single instance (or a per-operation overlay of it) backs the whole
// ledger.
type Repository struct {
	db storage.Database
}

// NewRepository wraps a key-value backend.
func NewRepository(db storage.Database) *Repository {
	return &Repository{db: db}
}

// WithOverlay returns a repository view whose writes stage in the overlay
// until committed.
func (r *Repository) WithOverlay(overlay *storage.Overlay) *Repository {
	return &Repository{db: overlay}
}

func (r *Repository) get(key string, out any) (bool, error) {
	raw, err := r.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return r.db.Put([]byte(key), raw)
}

func (r *Repository) nextSequence(name string) (uint64, error) {
	key := []byte(prefixSequence + name)
	var current uint64
	raw, err := r.db.Get(key)
	switch {
	case err == nil:
		if len(raw) == 8 {
			current = binary.BigEndian.Uint64(raw)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return 0, err
	}
	current++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current)
	if err := r.db.Put(key, buf); err != nil {
		return 0, err
	}
	return current, nil
}

// --- account state ---

// GetAccount loads the balances record for an address. Nil means the account
// does not exist yet.
func (r *Repository) GetAccount(addr crypto.Address) (*types.Account, error) {
	account := new(types.Account)
	ok, err := r.get(prefixAccount+addr.String(), account)
	if err != nil || !ok {
		return nil, err
	}
	account.EnsureBalances()
	return account, nil
}

// PutAccount stores the balances record for an address.
func (r *Repository) PutAccount(addr crypto.Address, account *types.Account) error {
	return r.put(prefixAccount+addr.String(), account)
}

// --- pool state ---

func (r *Repository) GetPool(asset string) (*pool.Pool, error) {
	p := new(pool.Pool)
	ok, err := r.get(prefixPool+asset, p)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}

func (r *Repository) PutPool(p *pool.Pool) error {
	return r.put(prefixPool+p.Asset, p)
}

func positionKey(asset string, owner crypto.Address) string {
	return prefixPosition + asset + "/" + owner.String()
}

func (r *Repository) GetPosition(asset string, owner crypto.Address) (*pool.Position, error) {
	position := new(pool.Position)
	ok, err := r.get(positionKey(asset, owner), position)
	if err != nil || !ok {
		return nil, err
	}
	position.Owner = crypto.NewAddress(crypto.AccountPrefix, position.OwnerRaw)
	return position, nil
}

func (r *Repository) PutPosition(position *pool.Position) error {
	return r.put(positionKey(position.Asset, position.Owner), position)
}

func (r *Repository) DeletePosition(asset string, owner crypto.Address) error {
	return r.db.Delete([]byte(positionKey(asset, owner)))
}

// --- loan state ---

func loanKey(id uint64) string {
	return prefixLoan + strconv.FormatUint(id, 10)
}

func (r *Repository) GetLoan(id uint64) (*loan.Loan, error) {
	record := new(loan.Loan)
	ok, err := r.get(loanKey(id), record)
	if err != nil || !ok {
		return nil, err
	}
	borrower, err := crypto.DecodeAddress(record.BorrowerRaw)
	if err != nil {
		return nil, fmt.Errorf("state: loan %d borrower: %w", id, err)
	}
	record.Borrower = borrower
	return record, nil
}

func (r *Repository) PutLoan(record *loan.Loan) error {
	return r.put(loanKey(record.ID), record)
}

func (r *Repository) NextLoanID() (uint64, error) {
	return r.nextSequence("loan")
}

// --- collateral state ---

func (r *Repository) GetCollateral(id uint64) (*collateral.Collateral, error) {
	record := new(collateral.Collateral)
	ok, err := r.get(prefixCollateral+strconv.FormatUint(id, 10), record)
	if err != nil || !ok {
		return nil, err
	}
	owner, err := crypto.DecodeAddress(record.OwnerRaw)
	if err != nil {
		return nil, fmt.Errorf("state: collateral %d owner: %w", id, err)
	}
	record.Owner = owner
	return record, nil
}

func (r *Repository) GetCollateralByLoan(loanID uint64) (*collateral.Collateral, error) {
	var id uint64
	ok, err := r.get(prefixCollateralLoan+strconv.FormatUint(loanID, 10), &id)
	if err != nil || !ok {
		return nil, err
	}
	return r.GetCollateral(id)
}

func (r *Repository) PutCollateral(record *collateral.Collateral) error {
	if err := r.put(prefixCollateral+strconv.FormatUint(record.ID, 10), record); err != nil {
		return err
	}
	return r.put(prefixCollateralLoan+strconv.FormatUint(record.LoanID, 10), record.ID)
}

func (r *Repository) NextCollateralID() (uint64, error) {
	return r.nextSequence("collateral")
}

// --- circle state ---

func (r *Repository) GetCircle(id uint64) (*circle.Circle, error) {
	record := new(circle.Circle)
	ok, err := r.get(prefixCircle+strconv.FormatUint(id, 10), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (r *Repository) PutCircle(record *circle.Circle) error {
	return r.put(prefixCircle+strconv.FormatUint(record.ID, 10), record)
}

func (r *Repository) NextCircleID() (uint64, error) {
	return r.nextSequence("circle")
}

func (r *Repository) GetProposal(id uint64) (*circle.Proposal, error) {
	record := new(circle.Proposal)
	ok, err := r.get(prefixProposal+strconv.FormatUint(id, 10), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (r *Repository) PutProposal(record *circle.Proposal) error {
	return r.put(prefixProposal+strconv.FormatUint(record.ID, 10), record)
}

func (r *Repository) NextProposalID() (uint64, error) {
	return r.nextSequence("proposal")
}

func voteKey(proposalID uint64, voter string) string {
	return prefixVote + strconv.FormatUint(proposalID, 10) + "/" + voter
}

func (r *Repository) GetVote(proposalID uint64, voter string) (*circle.Vote, error) {
	record := new(circle.Vote)
	ok, err := r.get(voteKey(proposalID, voter), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

func (r *Repository) PutVote(record *circle.Vote) error {
	return r.put(voteKey(record.ProposalID, record.Voter), record)
}
