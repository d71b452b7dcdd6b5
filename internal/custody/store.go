// internal/custody/store.go
package custody

import (
	"fmt"
	"sync"
	"time"
)

// BatchStore holds batch records keyed by id plus the insertion-ordered index.
//
// Each batch carries its own lock. The store-wide lock only guards the map and
// the index and is never held while waiting on a batch lock.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]*batchEntry
	index   []string

	// registerMu orders registration commits; taken after a batch lock.
	registerMu sync.Mutex
}

type batchEntry struct {
	mu    sync.RWMutex
	live  bool // false while a registration is pending or after it was aborted
	batch Batch
}

// NewBatchStore creates an empty store.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]*batchEntry)}
}

func (s *BatchStore) lookup(batchID string) (*batchEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.batches[batchID]
	return e, ok
}

// create registers a new batch owned by its manufacturer. commit runs with the
// batch reserved but not yet visible and receives the index position the batch
// will take; if it fails the reservation is dropped and the index is untouched.
// Registrations commit one at a time so that the commit order is the index
// order. published runs once the batch is visible, still under its lock.
func (s *BatchStore) create(batchID string, manufacturer Identity, mfgDate, expDate string, now time.Time,
	commit func(b Batch, position int) error, published func(Batch)) (Batch, error) {
	var e *batchEntry
	for e == nil {
		s.mu.Lock()
		if pending, ok := s.batches[batchID]; ok {
			s.mu.Unlock()
			pending.mu.RLock()
			live := pending.live
			pending.mu.RUnlock()
			if live {
				return Batch{}, fmt.Errorf("%w: %q", ErrAlreadyExists, batchID)
			}
			// The pending registration was aborted and removed; try again.
			continue
		}
		e = &batchEntry{}
		e.mu.Lock()
		s.batches[batchID] = e
		s.mu.Unlock()
	}
	defer e.mu.Unlock()

	b := Batch{
		BatchID:      batchID,
		Manufacturer: manufacturer,
		CurrentOwner: manufacturer,
		MfgDate:      mfgDate,
		ExpDate:      expDate,
		Status:       StatusCreated,
		CreatedAt:    now,
	}

	s.registerMu.Lock()
	if err := commit(b, s.Count()); err != nil {
		s.registerMu.Unlock()
		s.mu.Lock()
		delete(s.batches, batchID)
		s.mu.Unlock()
		return Batch{}, err
	}
	s.mu.Lock()
	e.batch = b
	e.live = true
	s.index = append(s.index, batchID)
	s.mu.Unlock()
	s.registerMu.Unlock()

	published(b)
	return b, nil
}

// acquire returns the live entry for batchID locked for writing.
func (s *BatchStore) acquire(batchID string) (*batchEntry, error) {
	e, ok := s.lookup(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, batchID)
	}
	e.mu.Lock()
	if !e.live {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, batchID)
	}
	return e, nil
}

// setOwnerAndStatus mutates a batch. The caller must hold the batch lock
// obtained from acquire.
func (s *BatchStore) setOwnerAndStatus(batchID string, owner Identity, status Status) {
	e, ok := s.lookup(batchID)
	if !ok {
		panic(fmt.Sprintf("custody: setOwnerAndStatus on unknown batch %q", batchID))
	}
	e.batch.CurrentOwner = owner
	e.batch.Status = status
}

// view calls fn with the batch held under its read lock.
func (s *BatchStore) view(batchID string, fn func(Batch)) error {
	e, ok := s.lookup(batchID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, batchID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.live {
		return fmt.Errorf("%w: %q", ErrNotFound, batchID)
	}
	fn(e.batch)
	return nil
}

// Get returns a copy of the batch.
func (s *BatchStore) Get(batchID string) (Batch, error) {
	var out Batch
	err := s.view(batchID, func(b Batch) { out = b })
	return out, err
}

// Exists reports whether batchID is registered.
func (s *BatchStore) Exists(batchID string) bool {
	return s.view(batchID, func(Batch) {}) == nil
}

// Count returns the number of registered batches.
func (s *BatchStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// IDAt returns the id registered at position.
func (s *BatchStore) IDAt(position int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if position < 0 || position >= len(s.index) {
		return "", fmt.Errorf("%w: position %d not in [0, %d)", ErrOutOfRange, position, len(s.index))
	}
	return s.index[position], nil
}

// ids returns a snapshot of the index.
func (s *BatchStore) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.index))
	copy(out, s.index)
	return out
}

// restore writes b as journaled. A batch seen for the first time is appended
// to the index.
func (s *BatchStore) restore(b Batch) {
	s.mu.Lock()
	e, ok := s.batches[b.BatchID]
	if !ok {
		s.batches[b.BatchID] = &batchEntry{live: true, batch: b}
		s.index = append(s.index, b.BatchID)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.batch = b
	e.live = true
	e.mu.Unlock()
}
