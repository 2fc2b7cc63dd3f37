package warden

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds the configuration for an Engine.
type Config struct {
	// Store is the required database abstraction layer.
	Store JobStore

	// ScanFrequency is how often the store is reconciled into memory.
	// Jobs due within one frequency of a scan are held in memory.
	// Default: 5 minutes
	ScanFrequency time.Duration

	// Timezone is the IANA zone recurrences are evaluated in when a job
	// does not name its own. Stored times are always UTC.
	// Default: UTC
	Timezone string

	// MaxConcurrentDistribution bounds how many distribution batches may
	// wait behind a running pass. Further triggers are merged into the
	// last waiting batch.
	// Default: 10
	MaxConcurrentDistribution int

	// ScanTriggerInterval is the minimum gap between on-demand scans.
	// Default: 1 second
	ScanTriggerInterval time.Duration

	// Logger receives structured engine logs. Default: disabled.
	Logger *zerolog.Logger

	// Event Handlers (all optional)

	// OnStart is called when the engine starts.
	OnStart func(ctx context.Context) error

	// OnStop is called after the engine stops.
	OnStop func(ctx context.Context) error

	// OnError is called for failures that never reach a caller: isolated
	// scan errors, store errors while settling a job, and handler errors.
	OnError func(ctx context.Context, err error)

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// StartOptions tune a single Start call.
type StartOptions struct {
	// Frequency overrides Config.ScanFrequency when positive.
	Frequency time.Duration
}

// ScheduleOptions control when a new job runs.
type ScheduleOptions struct {
	// RunAt is the first run time. It wins over the first recurrence
	// occurrence. Neither set means run now.
	RunAt *time.Time

	// Recurrence is a cron expression; empty means run once.
	Recurrence string

	// Timezone evaluates Recurrence in this IANA zone instead of the
	// engine timezone.
	Timezone string
}

// JobUpdate lists the fields UpdateJob may change. nil fields are kept.
type JobUpdate struct {
	// Recurrence replaces the cron expression. An empty string clears it,
	// turning the job into a one-shot that keeps its next run time.
	Recurrence *string
	Payload    []byte
	NextRunAt  *time.Time
}

// Engine schedules jobs from a JobStore onto registered processes.
type Engine struct {
	store  JobStore
	config Config
	log    zerolog.Logger
	loc    *time.Location
	now    func() time.Time

	bus    *bus
	timers *timers
	queue  *queue

	// Owned by the bus loop.
	processes map[string]*Process
	order     []*Process
	dist      distributor
	started   bool

	// State tracking
	initialized atomic.Bool
	running     atomic.Bool
	ready       chan struct{}
	initOnce    sync.Once

	// Lifecycle management
	lifeMu     sync.Mutex
	scanCancel context.CancelFunc
	scanWG     sync.WaitGroup
	scanMu     sync.Mutex
	trigger    chan struct{}
	limiter    *rate.Limiter
	workWG     sync.WaitGroup
	runCtx     context.Context
	runCancel  context.CancelFunc
	closeOnce  sync.Once
}

// New creates a new Engine with the given configuration.
// Returns an error if the configuration is invalid.
func New(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}

	// Set defaults
	if config.ScanFrequency <= 0 {
		config.ScanFrequency = 5 * time.Minute
	}
	if config.MaxConcurrentDistribution <= 0 {
		config.MaxConcurrentDistribution = 10
	}
	if config.ScanTriggerInterval <= 0 {
		config.ScanTriggerInterval = time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	loc, err := loadLocation(config.Timezone, time.UTC)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     config.Store,
		config:    config,
		log:       log.With().Str("component", "warden").Logger(),
		loc:       loc,
		now:       config.Now,
		processes: map[string]*Process{},
		ready:     make(chan struct{}),
		trigger:   make(chan struct{}, 1),
		limiter:   rate.NewLimiter(rate.Every(config.ScanTriggerInterval), 1),
	}
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.dist = distributor{maxBacklog: config.MaxConcurrentDistribution}
	e.bus = newBus(e.now)
	e.timers = newTimers(e.timerFired)
	e.queue = newQueue(e.timers, e.now, e.log.With().Str("component", "queue").Logger())
	e.wire()
	return e, nil
}

// wire subscribes the engine's components to its bus.
func (e *Engine) wire() {
	distribute := func(ev Event) {
		if len(ev.Names) > 0 {
			e.requestDistribution(ev.Names)
			return
		}
		e.requestDistribution([]string{ev.Process})
	}
	e.bus.on(EventQueueFilled, distribute)
	e.bus.on(EventQueueUpdated, distribute)
	e.bus.on(EventJobReady, distribute)
	e.bus.on(EventWorkerReady, distribute)
	e.bus.on(EventJobAssigned, e.onAssigned)
	e.bus.on(EventJobAdded, func(ev Event) {
		e.queue.sort()
		if e.started {
			e.TriggerScan()
		}
	})
	e.bus.on(EventJobUpdated, func(ev Event) {
		e.queue.sort()
		e.bus.publish(Event{Type: EventQueueUpdated, Process: ev.Process})
	})
}

// Initialize prepares the store and starts the engine's event loop.
// It is safe to call more than once.
func (e *Engine) Initialize(ctx context.Context) error {
	var err error
	e.initOnce.Do(func() {
		if err = e.store.Init(ctx); err != nil {
			err = storeErr("init", err)
			return
		}
		e.bus.start()
		e.initialized.Store(true)
		close(e.ready)
		e.log.Debug().Msg("engine initialized")
	})
	if err == nil && !e.initialized.Load() {
		err = &ConfigurationError{Op: "initialize", Msg: "previous initialization failed", Err: ErrNotInitialized}
	}
	return err
}

// Ready is closed once Initialize has succeeded.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) requireInit(op string) error {
	if !e.initialized.Load() {
		return &ConfigurationError{Op: op, Msg: "engine not initialized", Err: ErrNotInitialized}
	}
	return nil
}

// DefineProcess registers a process and allocates its worker slots.
// Registering a name twice is a ConfigurationError.
func (e *Engine) DefineProcess(name string, h Handler, opts ProcessOptions) (*Process, error) {
	if err := e.requireInit("define process"); err != nil {
		return nil, err
	}
	p, err := newProcess(name, h, opts)
	if err != nil {
		return nil, err
	}
	var dup bool
	if err := e.bus.call(context.Background(), func() {
		if _, ok := e.processes[p.name]; ok {
			dup = true
			return
		}
		e.processes[p.name] = p
		e.order = append(e.order, p)
	}); err != nil {
		return nil, err
	}
	if dup {
		return nil, configErr("define process", "process %q is already defined", p.name)
	}
	e.log.Debug().Str("process", p.name).Int("workers", p.Workers()).
		Dur("lock_lifetime", p.lockLifetime).Int("max_retries", p.maxRetries).Msg("process defined")
	return p, nil
}

// Process returns the registered process with the given name.
func (e *Engine) Process(ctx context.Context, name string) (*Process, error) {
	var p *Process
	if err := e.bus.call(ctx, func() { p = e.processes[name] }); err != nil {
		return nil, err
	}
	return p, nil
}

// Schedule persists a new job for process and returns its record.
func (e *Engine) Schedule(ctx context.Context, process string, payload []byte, opts ScheduleOptions) (*Record, error) {
	const op = "schedule"
	if err := e.requireInit(op); err != nil {
		return nil, err
	}
	p, err := e.Process(ctx, process)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, configErr(op, "this engine does not own process %q", process)
	}
	if _, err := loadLocation(opts.Timezone, e.loc); err != nil {
		return nil, &ConfigurationError{Op: op, Msg: "bad timezone", Err: err}
	}

	now := e.now()
	next := now.UTC()
	rec := Record{
		Name:     p.name,
		Timezone: opts.Timezone,
		Payload:  payload,
		Status:   StatusCreated,
	}
	if opts.Recurrence != "" {
		expr := opts.Recurrence
		first, err := calculateNextRun(expr, opts.Timezone, e.loc, now)
		if err != nil {
			return nil, &ConfigurationError{Op: op, Msg: "bad recurrence", Err: err}
		}
		rec.Recurrence = &expr
		next = first
	}
	if opts.RunAt != nil {
		next = opts.RunAt.UTC()
	}
	rec.NextRunAt = &next

	created, err := e.store.Create(ctx, rec)
	if err != nil {
		return nil, storeErr("create", err)
	}

	if err := e.bus.call(ctx, func() {
		if e.started && created.NextRunAt != nil && !created.NextRunAt.After(e.queue.horizon) && e.queue.get(created.ID) == nil {
			e.queue.add(newInstance(created))
		}
		e.bus.publish(Event{Type: EventJobAdded, Process: created.Name, JobID: created.ID, Status: created.Status})
	}); err != nil {
		e.log.Warn().Err(err).Str("job", created.ID).Msg("scheduled job not queued")
	}
	e.log.Debug().Str("process", created.Name).Str("job", created.ID).Time("next_run_at", next).Msg("job scheduled")
	return &created, nil
}

// Cancel marks a live job cancelled and drops it from memory. A running
// handler is not interrupted; its result is discarded.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.requireInit("cancel"); err != nil {
		return err
	}
	cancelled := StatusCancelled
	n, err := e.store.UpdateWhere(ctx,
		Predicate{ID: id, Statuses: LiveStatuses},
		Patch{Status: &cancelled, NextRunAt: NullTime(), LockedAt: NullTime()},
	)
	if err != nil {
		return storeErr("cancel", err)
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	if err := e.bus.call(ctx, func() {
		if in := e.queue.get(id); in != nil {
			e.queue.remove(id)
			e.bus.publish(Event{Type: EventJobRemoved, Process: in.Name, JobID: id, Status: cancelled})
		}
	}); err != nil {
		return err
	}
	e.log.Info().Str("job", id).Msg("job cancelled")
	return nil
}

// UpdateJob changes a live job's recurrence, payload or next run time.
// Setting a recurrence without a next run time recomputes the next run.
func (e *Engine) UpdateJob(ctx context.Context, id string, upd JobUpdate) (*Record, error) {
	const op = "update job"
	if err := e.requireInit(op); err != nil {
		return nil, err
	}
	cur, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr("find", err)
	}
	if cur == nil || cur.Status.Terminal() {
		return nil, &NotFoundError{ID: id}
	}

	var patch Patch
	switch {
	case upd.Recurrence == nil:
	case strings.TrimSpace(*upd.Recurrence) == "":
		patch.Recurrence = new(string)
	default:
		expr := *upd.Recurrence
		next, err := calculateNextRun(expr, cur.Timezone, e.loc, e.now())
		if err != nil {
			return nil, &ConfigurationError{Op: op, Msg: "bad recurrence", Err: err}
		}
		patch.Recurrence = &expr
		if upd.NextRunAt == nil {
			patch.NextRunAt = SetTime(next)
		}
	}
	if upd.NextRunAt != nil {
		patch.NextRunAt = SetTime(*upd.NextRunAt)
	}
	if upd.Payload != nil {
		patch.Payload = upd.Payload
	}
	if patch.Empty() {
		return cur, nil
	}

	n, err := e.store.UpdateWhere(ctx, Predicate{ID: id, Statuses: LiveStatuses}, patch)
	if err != nil {
		return nil, storeErr("update", err)
	}
	if n == 0 {
		return nil, &NotFoundError{ID: id}
	}
	fresh, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr("find", err)
	}
	if fresh == nil {
		return nil, &NotFoundError{ID: id}
	}

	rec := fresh.Clone()
	if err := e.bus.call(ctx, func() {
		in := e.queue.get(id)
		if in != nil && in.Status == StatusRunning {
			return
		}
		live := !rec.Status.Terminal() && rec.NextRunAt != nil
		if live && e.started && !rec.NextRunAt.After(e.queue.horizon) {
			e.queue.updateOrAdd(newInstance(rec))
			e.bus.publish(Event{Type: EventJobUpdated, Process: rec.Name, JobID: id, Status: rec.Status})
			return
		}
		if in != nil {
			e.queue.remove(id)
			e.bus.publish(Event{Type: EventJobRemoved, Process: rec.Name, JobID: id, Status: rec.Status})
		}
	}); err != nil {
		return nil, err
	}
	e.log.Debug().Str("job", id).Msg("job updated")
	return fresh, nil
}

// ListJobs returns stored jobs ordered by next run time.
func (e *Engine) ListJobs(ctx context.Context, q ListQuery) ([]Record, error) {
	const op = "list jobs"
	if err := e.requireInit(op); err != nil {
		return nil, err
	}
	for _, s := range q.Statuses {
		if !s.Valid() {
			return nil, configErr(op, "invalid job status: %s", s)
		}
	}
	recs, err := e.store.List(ctx, q)
	if err != nil {
		return nil, storeErr("list", err)
	}
	return recs, nil
}

// Start begins scanning the store and dispatching jobs.
// It's safe to call Start multiple times; subsequent calls are no-ops.
// Scanning runs until Stop is called or ctx is canceled.
func (e *Engine) Start(ctx context.Context, opts StartOptions) error {
	if err := e.requireInit("start"); err != nil {
		return err
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	// Only start once
	if e.running.Swap(true) {
		return nil
	}

	freq := e.config.ScanFrequency
	if opts.Frequency > 0 {
		freq = opts.Frequency
	}

	// Call OnStart handler
	if e.config.OnStart != nil {
		if err := e.config.OnStart(ctx); err != nil {
			e.running.Store(false)
			return fmt.Errorf("OnStart handler failed: %w", err)
		}
	}

	if err := e.bus.call(ctx, func() {
		e.started = true
		e.queue.horizon = e.now()
	}); err != nil {
		e.running.Store(false)
		return err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	e.scanCancel = cancel
	e.runScanner(scanCtx, freq)

	e.log.Info().Dur("frequency", freq).Msg("engine started")
	return nil
}

// Stop halts scanning, clears the ready queue and its timers, and waits for
// running handlers to settle. It's safe to call Stop multiple times.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.running.Swap(false) {
		return nil
	}

	// Signal shutdown
	if e.scanCancel != nil {
		e.scanCancel()
		e.scanCancel = nil
	}
	e.scanWG.Wait()

	if err := e.bus.call(ctx, func() {
		e.started = false
		e.queue.clear()
		e.dist.reset()
	}); err != nil {
		return err
	}

	// Wait for in-flight jobs to settle
	done := make(chan struct{})
	go func() {
		e.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if e.config.OnStop != nil {
		if stopErr := e.config.OnStop(context.Background()); stopErr != nil {
			err = fmt.Errorf("OnStop handler failed: %w", stopErr)
		}
	}
	e.log.Info().Msg("engine stopped")
	return err
}

// Close stops the engine, cancels the context handed to running handlers
// and shuts down the event loop. The engine cannot be reused.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Stop(ctx)
	e.closeOnce.Do(func() {
		e.runCancel()
		e.bus.stop()
	})
	return err
}

// IsRunning returns true between Start and Stop.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// TriggerScan requests an immediate reconciliation. Requests are coalesced
// and rate limited by Config.ScanTriggerInterval.
func (e *Engine) TriggerScan() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Events attaches an observer to the engine's notifications. Slow
// observers drop events rather than stall the engine. Call the returned
// func to detach.
func (e *Engine) Events(buffer int) (<-chan Event, func()) {
	return e.bus.subscribe(buffer)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running     bool
	Queued      int
	Pending     int
	InFlight    int
	Timers      int
	ScanHorizon time.Time
	Processes   []ProcessStats
}

// ProcessStats describes one process's worker pool.
type ProcessStats struct {
	Name         string
	Workers      int
	Busy         int
	LockLifetime time.Duration
	MaxRetries   int
}

// Stats returns a snapshot of the queue and worker pools.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.bus.call(ctx, func() {
		st.Running = e.started
		st.Queued = e.queue.len()
		st.Pending, st.InFlight = e.queue.counts()
		st.Timers = e.timers.len()
		st.ScanHorizon = e.queue.horizon
		for _, p := range e.order {
			st.Processes = append(st.Processes, ProcessStats{
				Name:         p.name,
				Workers:      p.Workers(),
				Busy:         p.busySlots(),
				LockLifetime: p.lockLifetime,
				MaxRetries:   p.maxRetries,
			})
		}
	})
	return st, err
}

// timerFired runs on a timer goroutine and hands the token to the loop.
func (e *Engine) timerFired(id, process string, token uint64) {
	e.bus.post(func() {
		if !e.timers.claim(id, token) {
			return
		}
		e.log.Debug().Str("process", process).Str("job", id).Msg("job ready")
		e.bus.publish(Event{Type: EventJobReady, Process: process, JobID: id})
	})
}

// handleError calls the OnError handler if configured.
func (e *Engine) handleError(ctx context.Context, err error) {
	if e.config.OnError != nil {
		e.config.OnError(ctx, err)
	}
}
