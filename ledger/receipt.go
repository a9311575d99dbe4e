package ledger

import (
	"sync"
	"time"

	"tandachain/core/types"
)

// ReceiptStatus tracks the durable outcome of a submitted operation.
type ReceiptStatus string

const (
	// StatusPending marks an operation queued but not yet applied.
	StatusPending ReceiptStatus = "pending"
	// StatusCommitted marks an operation whose writes are durable.
	StatusCommitted ReceiptStatus = "committed"
	// StatusFailed marks an operation rejected with no state change.
	StatusFailed ReceiptStatus = "failed"
	// StatusTimedOut is reported to a waiter whose deadline elapsed before
	// the operation settled. The operation itself may still commit later.
	StatusTimedOut ReceiptStatus = "timedOut"
)

// Receipt is the confirmation record for one submitted operation. Clients
// must poll or wait on the receipt before treating an operation as final;
// submission alone promises nothing.
type Receipt struct {
	ID          string
	Status      ReceiptStatus
	Result      any
	Err         string
	Events      []*types.Event
	SubmittedAt time.Time
	SettledAt   time.Time

	// mu guards the settled fields: pollers snapshot while the executor
	// settles, so field access needs more than the store's map lock.
	mu   sync.Mutex
	done chan struct{}
}

func newReceipt(id string, at time.Time) *Receipt {
	return &Receipt{
		ID:          id,
		Status:      StatusPending,
		SubmittedAt: at,
		done:        make(chan struct{}),
	}
}

// snapshot returns a caller-safe copy without the settle channel.
func (r *Receipt) snapshot() *Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := Receipt{
		ID:          r.ID,
		Status:      r.Status,
		Result:      r.Result,
		Err:         r.Err,
		Events:      r.Events,
		SubmittedAt: r.SubmittedAt,
		SettledAt:   r.SettledAt,
	}
	return &copied
}

// receiptStore indexes receipts by id.
type receiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
}

func newReceiptStore() *receiptStore {
	return &receiptStore{receipts: make(map[string]*Receipt)}
}

func (s *receiptStore) add(r *Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.ID] = r
}

func (s *receiptStore) get(id string) (*Receipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	return r, ok
}

func (s *receiptStore) settle(id string, status ReceiptStatus, result any, opErr error, evts []*types.Event, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return
	}
	r.mu.Lock()
	r.Status = status
	r.Result = result
	if opErr != nil {
		r.Err = opErr.Error()
	}
	r.Events = evts
	r.SettledAt = at
	r.mu.Unlock()
	close(r.done)
}
