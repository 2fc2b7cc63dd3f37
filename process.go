package warden

import (
	"context"
	"strings"
	"time"
)

// Handler runs one job. A non-nil error, or a panic, counts as a failure.
type Handler func(ctx context.Context, payload []byte) error

// DefaultLockLifetime is used when ProcessOptions.LockLifetime is zero.
const DefaultLockLifetime = time.Minute

// ProcessOptions configures a process.
type ProcessOptions struct {
	// Workers is the number of worker slots. Zero means one.
	Workers int

	// Inactive registers the process without any worker slots: its jobs
	// can be scheduled and listed but are never run by this engine.
	Inactive bool

	// LockLifetime is how long a lock may go without a heartbeat before
	// another scan treats it as stale. Default: 1 minute.
	LockLifetime time.Duration

	// MaxRetries is how many times a failed job is retried before it is
	// marked failed. Default: 0.
	MaxRetries int
}

// Process is a registered job type with its pool of worker slots.
// It is immutable after DefineProcess returns.
type Process struct {
	name         string
	handler      Handler
	lockLifetime time.Duration
	maxRetries   int
	slots        []*slot
}

func newProcess(name string, h Handler, opts ProcessOptions) (*Process, error) {
	const op = "define process"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, configErr(op, "process name is required")
	}
	if h == nil {
		return nil, configErr(op, "process %q: handler is required", name)
	}
	if opts.Workers < 0 {
		return nil, configErr(op, "process %q: workers must be >= 0", name)
	}
	if opts.LockLifetime < 0 {
		return nil, configErr(op, "process %q: lock lifetime must be > 0", name)
	}
	if opts.MaxRetries < 0 {
		return nil, configErr(op, "process %q: max retries must be >= 0", name)
	}

	workers := opts.Workers
	if workers == 0 {
		workers = 1
	}
	if opts.Inactive {
		workers = 0
	}
	lockLifetime := opts.LockLifetime
	if lockLifetime == 0 {
		lockLifetime = DefaultLockLifetime
	}

	p := &Process{
		name:         name,
		handler:      h,
		lockLifetime: lockLifetime,
		maxRetries:   opts.MaxRetries,
		slots:        make([]*slot, workers),
	}
	for i := range p.slots {
		p.slots[i] = &slot{id: i, process: p}
	}
	return p, nil
}

func (p *Process) Name() string                { return p.name }
func (p *Process) Workers() int                { return len(p.slots) }
func (p *Process) LockLifetime() time.Duration { return p.lockLifetime }
func (p *Process) MaxRetries() int             { return p.maxRetries }

// freeSlot returns the first idle slot by id, or nil.
func (p *Process) freeSlot() *slot {
	for _, s := range p.slots {
		if !s.busy {
			return s
		}
	}
	return nil
}

func (p *Process) busySlots() int {
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}
