// Package memory provides an in-process warden.JobStore.
//
// It is intended for tests, examples and single-process deployments that do
// not need jobs to survive a restart. Several engines sharing one Store
// behave like engines sharing a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/google/uuid"
)

// Store implements warden.JobStore in memory.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*warden.Record
	now  func() time.Time

	// failFindDue holds injected FindDue errors keyed by process name.
	failMu      sync.RWMutex
	failFindDue map[string]error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:        make(map[string]*warden.Record),
		now:         time.Now,
		failFindDue: make(map[string]error),
	}
}

// Init is a no-op.
func (s *Store) Init(ctx context.Context) error {
	return nil
}

// FailFindDue makes FindDue fail for process until cleared with a nil error.
func (s *Store) FailFindDue(process string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.failFindDue, process)
		return
	}
	s.failFindDue[process] = err
}

// FindDue returns the live due or stale-locked records of one process.
func (s *Store) FindDue(ctx context.Context, q warden.DueQuery) ([]warden.Record, error) {
	s.failMu.RLock()
	ferr := s.failFindDue[q.Name]
	s.failMu.RUnlock()
	if ferr != nil {
		return nil, ferr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []warden.Record
	for _, rec := range s.jobs {
		if q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	warden.SortByNextRun(out)
	return out, nil
}

// Create stores a copy of rec under a new id.
func (s *Store) Create(ctx context.Context, rec warden.Record) (warden.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	stored := rec.Clone()
	stored.ID = uuid.NewString()
	if stored.Status == "" {
		stored.Status = warden.StatusCreated
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.jobs[stored.ID] = &stored
	return stored.Clone(), nil
}

// UpdateWhere patches the record matching p, atomically.
func (s *Store) UpdateWhere(ctx context.Context, p warden.Predicate, patch warden.Patch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[p.ID]
	if !ok || !p.Matches(rec) {
		return 0, nil
	}
	patch.Apply(rec, s.now())
	return 1, nil
}

// FindByID returns a copy of the record with id, or nil.
func (s *Store) FindByID(ctx context.Context, id string) (*warden.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

// List returns the records matching q.
func (s *Store) List(ctx context.Context, q warden.ListQuery) ([]warden.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []warden.Record
	for _, rec := range s.jobs {
		if q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	warden.SortByNextRun(out)
	return out, nil
}

// Put stores rec as-is, keeping its id. Useful to seed crashed or
// half-finished jobs in tests.
func (s *Store) Put(rec warden.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.jobs[stored.ID] = &stored
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
