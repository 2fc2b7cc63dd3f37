package warden

import "time"

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRetry     Status = "retry"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{
	StatusCreated,
	StatusPending,
	StatusRetry,
	StatusRunning,
	StatusDone,
	StatusCancelled,
	StatusFailed,
}

// LiveStatuses are the statuses a scan may pick up.
var LiveStatuses = []Status{StatusCreated, StatusPending, StatusRetry, StatusRunning}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further runs can happen from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed
}

// RunResult is the outcome of the most recent execution.
type RunResult string

const (
	ResultSuccess RunResult = "success"
	ResultFailure RunResult = "failure"
)

// Record is the persisted state of one scheduled job.
type Record struct {
	// ID is assigned by the store on Create.
	ID string

	// Name is the process this job belongs to.
	Name string

	// Recurrence is a cron expression. nil means the job runs once.
	Recurrence *string

	// Timezone is the IANA zone the recurrence is evaluated in.
	// Empty means the engine's timezone.
	Timezone string

	// Payload is handed to the process handler untouched.
	Payload []byte

	Status     Status
	RetryCount int

	// LockedAt is set while a worker holds the job.
	// A lock older than the process lock lifetime is stale.
	LockedAt *time.Time

	// NextRunAt is when the job should run next.
	// nil means the job will not run again.
	NextRunAt *time.Time

	LastRunAt     *time.Time
	LastRunResult *RunResult

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the record has a recurrence expression.
func (r *Record) Recurring() bool {
	return r.Recurrence != nil && *r.Recurrence != ""
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.Recurrence = cloneString(r.Recurrence)
	out.LockedAt = cloneTime(r.LockedAt)
	out.NextRunAt = cloneTime(r.NextRunAt)
	out.LastRunAt = cloneTime(r.LastRunAt)
	if r.LastRunResult != nil {
		v := *r.LastRunResult
		out.LastRunResult = &v
	}
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return out
}

// Instance is the in-memory projection of a record held by the ready queue.
// It is a plain value; delay timers live in the queue's timer table.
type Instance struct {
	ID         string
	Name       string
	Recurrence *string
	Timezone   string
	Payload    []byte
	Status     Status
	RetryCount int
	LockedAt   *time.Time
	NextRunAt  *time.Time
}

// Recurring reports whether the instance has a recurrence expression.
func (in *Instance) Recurring() bool {
	return in.Recurrence != nil && *in.Recurrence != ""
}

func newInstance(rec Record) *Instance {
	return &Instance{
		ID:         rec.ID,
		Name:       rec.Name,
		Recurrence: cloneString(rec.Recurrence),
		Timezone:   rec.Timezone,
		Payload:    rec.Payload,
		Status:     rec.Status,
		RetryCount: rec.RetryCount,
		LockedAt:   utcPtr(rec.LockedAt),
		NextRunAt:  utcPtr(rec.NextRunAt),
	}
}

// refresh copies the mutable fields of rec onto in.
func (in *Instance) refresh(rec Record) {
	in.Recurrence = cloneString(rec.Recurrence)
	in.Timezone = rec.Timezone
	in.Payload = rec.Payload
	in.Status = rec.Status
	in.RetryCount = rec.RetryCount
	in.LockedAt = utcPtr(rec.LockedAt)
	in.NextRunAt = utcPtr(rec.NextRunAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
