package warden

import (
	"context"
	"sort"
	"time"
)

// JobStore defines the database operations needed by the engine.
// Any database can implement this interface to work with the engine.
//
// Implementations must be safe for concurrent use. UpdateWhere must evaluate
// its predicate and apply its patch atomically: the cross-instance lock is a
// conditional update on Predicate.Unlocked, and two engines racing on the same
// job must never both see a non-zero row count.
type JobStore interface {
	// Init prepares the store (schema, indexes). It is called once by
	// Engine.Initialize and must be idempotent.
	Init(ctx context.Context) error

	// FindDue returns the live records of one process that are either
	// unlocked and due before q.DueBefore, or locked at or before
	// q.StaleBefore. Terminal records are never returned.
	FindDue(ctx context.Context, q DueQuery) ([]Record, error)

	// Create persists rec and returns it with ID, CreatedAt and UpdatedAt set.
	Create(ctx context.Context, rec Record) (Record, error)

	// UpdateWhere applies patch to every record matching p and reports how
	// many records were changed.
	UpdateWhere(ctx context.Context, p Predicate, patch Patch) (int64, error)

	// FindByID returns nil, nil when no record has the id.
	FindByID(ctx context.Context, id string) (*Record, error)

	// List returns the records matching q ordered by NextRunAt ascending,
	// records without NextRunAt last.
	List(ctx context.Context, q ListQuery) ([]Record, error)
}

// DueQuery selects the records a scan pulls into memory for one process.
type DueQuery struct {
	Name        string
	DueBefore   time.Time
	StaleBefore time.Time
}

// Matches reports whether rec satisfies the due query.
func (q DueQuery) Matches(rec *Record) bool {
	if rec.Name != q.Name || rec.Status.Terminal() {
		return false
	}
	if rec.LockedAt == nil {
		return rec.NextRunAt != nil && !rec.NextRunAt.After(q.DueBefore)
	}
	return !rec.LockedAt.After(q.StaleBefore)
}

// Predicate restricts which records an UpdateWhere touches.
// Zero-valued fields do not constrain.
type Predicate struct {
	// ID must be set; updates are always addressed to one job.
	ID string

	// Statuses, when non-empty, requires the record status to be one of them.
	Statuses []Status

	// Unlocked requires LockedAt to be nil.
	Unlocked bool

	// LockedBefore, when set, requires LockedAt to be non-nil and not after it.
	LockedBefore *time.Time
}

// Matches reports whether rec satisfies p.
func (p Predicate) Matches(rec *Record) bool {
	if rec == nil || rec.ID != p.ID {
		return false
	}
	if len(p.Statuses) > 0 && !containsStatus(p.Statuses, rec.Status) {
		return false
	}
	if p.Unlocked && rec.LockedAt != nil {
		return false
	}
	if p.LockedBefore != nil {
		if rec.LockedAt == nil || rec.LockedAt.After(*p.LockedBefore) {
			return false
		}
	}
	return true
}

// Patch describes the fields an UpdateWhere sets.
//
// A nil field is left untouched. The double pointers distinguish
// "don't update" (nil) from "set to null" (pointer to nil).
type Patch struct {
	Status        *Status
	RetryCount    *int
	Recurrence    *string // "" clears the recurrence
	Payload       []byte
	LockedAt      **time.Time
	NextRunAt     **time.Time
	LastRunAt     **time.Time
	LastRunResult *RunResult
}

// Empty reports whether the patch sets nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.RetryCount == nil && p.Recurrence == nil &&
		p.Payload == nil && p.LockedAt == nil && p.NextRunAt == nil &&
		p.LastRunAt == nil && p.LastRunResult == nil
}

// Apply writes the patch onto rec and stamps UpdatedAt.
func (p Patch) Apply(rec *Record, now time.Time) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.RetryCount != nil {
		rec.RetryCount = *p.RetryCount
	}
	if p.Recurrence != nil {
		rec.Recurrence = nil
		if *p.Recurrence != "" {
			rec.Recurrence = cloneString(p.Recurrence)
		}
	}
	if p.Payload != nil {
		rec.Payload = append([]byte(nil), p.Payload...)
	}
	if p.LockedAt != nil {
		rec.LockedAt = utcPtr(*p.LockedAt)
	}
	if p.NextRunAt != nil {
		rec.NextRunAt = utcPtr(*p.NextRunAt)
	}
	if p.LastRunAt != nil {
		rec.LastRunAt = utcPtr(*p.LastRunAt)
	}
	if p.LastRunResult != nil {
		v := *p.LastRunResult
		rec.LastRunResult = &v
	}
	rec.UpdatedAt = now.UTC()
}

// SetTime returns a Patch time field that sets the column to t.
func SetTime(t time.Time) **time.Time {
	v := t.UTC()
	p := &v
	return &p
}

// NullTime returns a Patch time field that sets the column to null.
func NullTime() **time.Time {
	var p *time.Time
	return &p
}

// ListQuery filters ListJobs. Empty Statuses means created, pending and running.
type ListQuery struct {
	ProcessName string
	JobID       string
	Statuses    []Status
}

// DefaultListStatuses is used when a ListQuery names no statuses.
var DefaultListStatuses = []Status{StatusCreated, StatusPending, StatusRunning}

// Matches reports whether rec satisfies q.
func (q ListQuery) Matches(rec *Record) bool {
	if q.ProcessName != "" && rec.Name != q.ProcessName {
		return false
	}
	if q.JobID != "" && rec.ID != q.JobID {
		return false
	}
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = DefaultListStatuses
	}
	return containsStatus(statuses, rec.Status)
}

// SortByNextRun orders records by NextRunAt ascending, nil last, then by ID.
func SortByNextRun(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].NextRunAt, recs[j].NextRunAt
		switch {
		case a != nil && b != nil:
			if !a.Equal(*b) {
				return a.Before(*b)
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return recs[i].ID < recs[j].ID
	})
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
