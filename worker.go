package warden

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// slot is one execution unit of a process. busy is owned by the loop.
type slot struct {
	id      int
	process *Process
	busy    bool
}

// outcome is what a finished run asks the loop to do with its instance.
type outcome struct {
	jobID      string
	status     Status
	retryCount int
	nextRunAt  *time.Time
	remove     bool
}

// onAssigned starts the slot named by a job-assigned notification.
func (e *Engine) onAssigned(ev Event) {
	p := e.processes[ev.Process]
	if p == nil || ev.WorkerID < 0 || ev.WorkerID >= len(p.slots) || ev.job == nil {
		return
	}
	s := p.slots[ev.WorkerID]
	if !e.started {
		s.busy = false
		return
	}
	s.busy = true
	job := *ev.job
	e.workWG.Add(1)
	go e.execute(s, job, ev.ScanHorizon)
}

// execute claims, runs and settles one job. It runs on its own goroutine
// and reports back to the loop through the bus.
func (e *Engine) execute(s *slot, job Instance, horizon time.Time) {
	defer e.workWG.Done()
	p := s.process
	ctx := e.runCtx
	log := e.log.With().Str("process", p.name).Int("worker", s.id).Str("job", job.ID).Logger()

	log.Debug().Msg("worker starting job")
	claimed, err := e.claim(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Msg("job claim failed")
		e.handleError(ctx, err)
	}
	if !claimed {
		if err == nil {
			log.Debug().Msg("job already locked")
		}
		e.bus.post(func() { e.finish(s, outcome{jobID: job.ID, remove: true}) })
		return
	}
	e.bus.publish(Event{Type: EventJobClaimed, Process: p.name, JobID: job.ID, WorkerID: s.id, Status: StatusRunning})

	log.Debug().Msg("worker executing job")
	runErr := e.runHandler(ctx, p, job, log)
	out := e.settle(ctx, p, job, runErr, horizon, log)
	log.Debug().Str("status", string(out.status)).Msg("worker completed job")

	e.bus.post(func() { e.finish(s, out) })
}

// claim takes the cross-instance lock on a job.
func (e *Engine) claim(ctx context.Context, id string) (bool, error) {
	running := StatusRunning
	n, err := e.store.UpdateWhere(ctx,
		Predicate{ID: id, Unlocked: true, Statuses: []Status{StatusCreated, StatusPending, StatusRetry}},
		Patch{Status: &running, LockedAt: SetTime(e.now())},
	)
	if err != nil {
		return false, storeErr("claim", err)
	}
	return n > 0, nil
}

// runHandler invokes the handler while a heartbeat keeps the lock fresh.
func (e *Engine) runHandler(ctx context.Context, p *Process, job Instance, log zerolog.Logger) (err error) {
	stop := e.heartbeat(ctx, p, job.ID, log)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.handler(ctx, job.Payload)
}

// heartbeat renews lockedAt every half lock lifetime until stop is called.
func (e *Engine) heartbeat(ctx context.Context, p *Process, id string, log zerolog.Logger) (stop func()) {
	interval := p.lockLifetime / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.store.UpdateWhere(ctx,
					Predicate{ID: id, Statuses: []Status{StatusRunning}},
					Patch{LockedAt: SetTime(e.now())},
				)
				if err != nil {
					log.Warn().Err(err).Msg("lock heartbeat failed")
					continue
				}
				if n == 0 {
					log.Debug().Msg("lock heartbeat found no running job")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// settle persists the result of a run. Writes are conditional on the job
// still being running, so a job cancelled mid-run stays cancelled.
func (e *Engine) settle(ctx context.Context, p *Process, job Instance, runErr error, horizon time.Time, log zerolog.Logger) outcome {
	now := e.now()
	out := outcome{jobID: job.ID, retryCount: job.RetryCount}
	var patch Patch

	if runErr == nil {
		success := ResultSuccess
		patch = Patch{LockedAt: NullTime(), LastRunAt: SetTime(now), LastRunResult: &success}
		var next time.Time
		var err error
		if job.Recurring() {
			next, err = calculateNextRun(*job.Recurrence, job.Timezone, e.loc, now)
			if err != nil {
				log.Warn().Err(err).Msg("recurrence invalid, completing job")
			}
		}
		if job.Recurring() && err == nil {
			out.status = StatusCreated
			out.nextRunAt = &next
			out.remove = next.After(horizon)
			patch.NextRunAt = SetTime(next)
		} else {
			out.status = StatusDone
			out.remove = true
			patch.NextRunAt = NullTime()
		}
		e.bus.publish(Event{Type: EventJobCompleted, Process: p.name, JobID: job.ID, Status: out.status})
	} else {
		herr := &HandlerError{Process: p.name, JobID: job.ID, Err: runErr}
		log.Error().Err(runErr).Int("retry_count", job.RetryCount).Msg("job ended with error")
		e.handleError(ctx, herr)

		failure := ResultFailure
		patch = Patch{LockedAt: NullTime(), LastRunAt: SetTime(now), LastRunResult: &failure}
		if job.RetryCount < p.maxRetries {
			out.status = StatusRetry
			out.retryCount = job.RetryCount + 1
			out.nextRunAt = &now
			patch.RetryCount = &out.retryCount
			patch.NextRunAt = SetTime(now)
		} else {
			out.status = StatusFailed
			out.remove = true
			patch.NextRunAt = NullTime()
		}
		e.bus.publish(Event{Type: EventJobFailed, Process: p.name, JobID: job.ID, Status: out.status, Err: herr})
	}
	patch.Status = &out.status

	n, err := e.store.UpdateWhere(ctx, Predicate{ID: job.ID, Statuses: []Status{StatusRunning}}, patch)
	if err != nil {
		err = storeErr("settle", err)
		log.Error().Err(err).Msg("job result not persisted")
		e.handleError(ctx, err)
		out.remove = true
		return out
	}
	if n == 0 {
		log.Info().Msg("job no longer running, result discarded")
		out.remove = true
	}
	return out
}

// finish releases the slot and applies a run's outcome to the queue.
func (e *Engine) finish(s *slot, out outcome) {
	s.busy = false
	name := s.process.name
	if out.remove {
		if e.queue.remove(out.jobID) {
			e.bus.publish(Event{Type: EventJobRemoved, Process: name, JobID: out.jobID, Status: out.status})
		}
	} else if in := e.queue.get(out.jobID); in != nil {
		e.queue.touch(out.jobID)
		in.Status = out.status
		in.RetryCount = out.retryCount
		in.LockedAt = nil
		in.NextRunAt = out.nextRunAt
		e.timers.cancel(out.jobID)
		e.bus.publish(Event{Type: EventJobUpdated, Process: name, JobID: out.jobID, Status: out.status})
	}
	e.bus.publish(Event{Type: EventWorkerReady, Process: name, WorkerID: s.id})
}
