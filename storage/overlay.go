package storage

import (
	"errors"
	"sync"
)

// Overlay stages writes on top of a Database so a multi-key mutation can be
// applied atomically: nothing reaches the underlying store until Commit, and
// Discard drops every staged change. Reads observe staged writes first, then
// fall through to the base.
//
// The ledger executor opens one overlay per operation, runs the engines
// against it, and commits only when the operation succeeds. A failed
// operation therefore leaves no partial state behind.
type Overlay struct {
	mu      sync.RWMutex
	base    Database
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewOverlay wraps the base database with an empty staging layer.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		return nil, ErrNotFound
	}
	if v, ok := o.writes[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Delete(key []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

// Close is a no-op; the base database owns its lifecycle.
func (o *Overlay) Close() {}

// Commit flushes the staged writes and deletes to the base database. The
// overlay is empty afterwards and may be reused.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, v := range o.writes {
		if err := o.base.Put([]byte(k), v); err != nil {
			return err
		}
	}
	for k := range o.deletes {
		if err := o.base.Delete([]byte(k)); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
	return nil
}

// Discard drops every staged change without touching the base database.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]struct{})
}

// Dirty reports whether the overlay holds uncommitted changes.
func (o *Overlay) Dirty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.writes) > 0 || len(o.deletes) > 0
}
