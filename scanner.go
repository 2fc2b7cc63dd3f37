package warden

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

type scanTarget struct {
	name         string
	lockLifetime time.Duration
}

type scanResult struct {
	process string
	records []Record
	// held are ids the scan saw but could not advance; their in-memory
	// instances are left alone.
	held []string
	err  error
}

// runScanner starts the periodic and on-demand scan loops.
func (e *Engine) runScanner(ctx context.Context, freq time.Duration) {
	e.scanWG.Add(2)
	go func() {
		defer e.scanWG.Done()
		_ = wait.PollUntilContextCancel(ctx, freq, true, func(ctx context.Context) (bool, error) {
			e.scan(ctx, freq, "interval")
			return false, nil
		})
	}()
	go func() {
		defer e.scanWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.trigger:
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			e.scan(ctx, freq, "trigger")
		}
	}()
}

// scan reconciles the store into the ready queue. Each process is fetched
// independently; a failing process is logged and skipped.
func (e *Engine) scan(ctx context.Context, freq time.Duration, reason string) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	var targets []scanTarget
	if err := e.bus.call(ctx, func() {
		e.queue.beginScan()
		for _, p := range e.order {
			if len(p.slots) == 0 {
				continue
			}
			targets = append(targets, scanTarget{name: p.name, lockLifetime: p.lockLifetime})
		}
	}); err != nil {
		return
	}
	e.log.Debug().Str("reason", reason).Int("processes", len(targets)).Msg("scanning store")

	now := e.now()
	horizon := now.Add(freq)
	results := make([]scanResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t scanTarget) {
			defer wg.Done()
			results[i] = e.fetch(ctx, t, now, horizon)
		}(i, t)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return
	}

	_ = e.bus.call(ctx, func() { e.merge(results, horizon) })
}

// fetch loads one process's due and stale-locked records and advances each
// of them to pending.
func (e *Engine) fetch(ctx context.Context, t scanTarget, now, dueBefore time.Time) scanResult {
	res := scanResult{process: t.name}
	log := e.log.With().Str("component", "scanner").Str("process", t.name).Logger()
	staleBefore := now.Add(-t.lockLifetime)

	recs, err := e.store.FindDue(ctx, DueQuery{Name: t.name, DueBefore: dueBefore, StaleBefore: staleBefore})
	if err != nil {
		res.err = storeErr("find due", err)
		if ctx.Err() == nil {
			log.Error().Err(res.err).Msg("scan failed")
			e.handleError(ctx, res.err)
		}
		return res
	}

	for _, rec := range recs {
		if rec.Status == StatusPending && rec.LockedAt == nil {
			res.records = append(res.records, rec)
			continue
		}
		ok, err := e.advance(ctx, rec, staleBefore)
		if err != nil {
			log.Warn().Err(err).Str("job", rec.ID).Msg("job not advanced to pending")
			e.handleError(ctx, err)
			res.held = append(res.held, rec.ID)
			continue
		}
		if !ok {
			res.held = append(res.held, rec.ID)
			continue
		}
		if rec.LockedAt != nil {
			log.Info().Str("job", rec.ID).Time("locked_at", *rec.LockedAt).Msg("stale lock reclaimed")
		}
		rec.Status = StatusPending
		rec.LockedAt = nil
		res.records = append(res.records, rec)
	}
	return res
}

// advance moves a scanned record to pending and clears its lock, provided
// nobody changed it since the scan read it.
func (e *Engine) advance(ctx context.Context, rec Record, staleBefore time.Time) (bool, error) {
	pending := StatusPending
	p := Predicate{ID: rec.ID, Statuses: []Status{rec.Status}}
	if rec.LockedAt != nil {
		p.LockedBefore = &staleBefore
	} else {
		p.Unlocked = true
	}
	n, err := e.store.UpdateWhere(ctx, p, Patch{Status: &pending, LockedAt: NullTime()})
	if err != nil {
		return false, storeErr("advance", err)
	}
	return n > 0, nil
}

// merge applies scan results to the queue on the loop. Instances the loop
// changed after the scan read the store are newer than its snapshot and are
// neither refreshed, re-added nor removed.
func (e *Engine) merge(results []scanResult, horizon time.Time) {
	defer e.queue.endScan()
	if !e.started {
		return
	}
	for _, r := range results {
		if r.err != nil {
			e.bus.publish(Event{Type: EventScanFailed, Process: r.process, Err: r.err})
			continue
		}
		seen := make(map[string]bool, len(r.records)+len(r.held))
		for _, id := range r.held {
			seen[id] = true
		}
		for _, rec := range r.records {
			seen[rec.ID] = true
			cur := e.queue.get(rec.ID)
			switch {
			case e.queue.changedSinceScan(rec.ID):
				// settled, claimed, updated or cancelled while the scan ran
			case cur == nil:
				e.queue.add(newInstance(rec))
			case cur.Status == StatusRunning:
				// handed to a slot in this engine; the slot owns it now
			default:
				e.queue.refresh(rec)
			}
		}
		var stale []string
		for _, in := range e.queue.items {
			if in.Name == r.process && !seen[in.ID] && in.Status != StatusRunning && !e.queue.changedSinceScan(in.ID) {
				stale = append(stale, in.ID)
			}
		}
		for _, id := range stale {
			e.queue.remove(id)
			e.bus.publish(Event{Type: EventJobRemoved, Process: r.process, JobID: id})
		}
	}

	e.queue.horizon = horizon
	e.queue.sort()
	names := e.queue.readyNames()
	e.log.Info().Int("jobs", e.queue.len()).Time("next_scan", horizon).Msg("queue filled")
	if len(names) > 0 {
		e.bus.publish(Event{Type: EventQueueFilled, Names: names, ScanHorizon: horizon})
	}
}
