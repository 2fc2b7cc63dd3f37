package warden

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// queue is the in-memory working set of live job instances.
// It is owned by the engine loop and never locked.
type queue struct {
	items   []*Instance
	timers  *timers
	now     func() time.Time
	horizon time.Time
	log     zerolog.Logger

	// touched holds the ids the loop changed since the in-flight scan read
	// the store. It is nil when no scan is in flight.
	touched map[string]struct{}
}

func newQueue(ts *timers, now func() time.Time, log zerolog.Logger) *queue {
	return &queue{timers: ts, now: now, log: log}
}

func (q *queue) len() int { return len(q.items) }

func (q *queue) get(id string) *Instance {
	for _, in := range q.items {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// beginScan starts recording changes for a scan about to read the store.
func (q *queue) beginScan() { q.touched = map[string]struct{}{} }

// endScan stops recording changes.
func (q *queue) endScan() { q.touched = nil }

// touch records that the instance for id changed on the loop.
func (q *queue) touch(id string) {
	if q.touched != nil {
		q.touched[id] = struct{}{}
	}
}

// changedSinceScan reports whether id changed after the in-flight scan read
// the store. Such instances are newer than the scan's snapshot.
func (q *queue) changedSinceScan(id string) bool {
	_, ok := q.touched[id]
	return ok
}

func (q *queue) add(in *Instance) {
	q.touch(in.ID)
	q.items = append(q.items, in)
	q.sort()
	q.log.Debug().Str("process", in.Name).Str("job", in.ID).Msg("job added to queue")
}

// updateOrAdd replaces the instance with the same id, cancelling its timer
// first, or adds it.
func (q *queue) updateOrAdd(in *Instance) {
	q.touch(in.ID)
	for i, cur := range q.items {
		if cur.ID != in.ID {
			continue
		}
		q.timers.cancel(in.ID)
		q.items[i] = in
		q.sort()
		return
	}
	q.add(in)
}

// refresh updates the instance for rec in place, keeping its timer unless
// NextRunAt moved. It reports whether the instance existed.
func (q *queue) refresh(rec Record) bool {
	cur := q.get(rec.ID)
	if cur == nil {
		return false
	}
	if !sameTime(cur.NextRunAt, rec.NextRunAt) {
		q.timers.cancel(rec.ID)
	}
	cur.refresh(rec)
	return true
}

// remove cancels any timer for id and drops it. It reports whether the
// instance was present.
func (q *queue) remove(id string) bool {
	q.touch(id)
	q.timers.cancel(id)
	for i, in := range q.items {
		if in.ID != id {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		q.log.Debug().Str("job", id).Msg("job removed from queue")
		return true
	}
	return false
}

func (q *queue) clear() {
	q.timers.clear()
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
}

// group ranks an instance for sorting: elapsed first, then armed timers,
// then the rest.
func (q *queue) group(in *Instance, now time.Time) int {
	if in.NextRunAt != nil && !in.NextRunAt.After(now) {
		return 0
	}
	if _, ok := q.timers.armed(in.ID); ok {
		return 1
	}
	return 2
}

func (q *queue) sort() {
	now := q.now()
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		ga, gb := q.group(a, now), q.group(b, now)
		if ga != gb {
			return ga < gb
		}
		var ta, tb *time.Time
		if ga == 1 {
			at, _ := q.timers.armed(a.ID)
			bt, _ := q.timers.armed(b.ID)
			ta, tb = &at, &bt
		} else {
			ta, tb = a.NextRunAt, b.NextRunAt
		}
		switch {
		case ta != nil && tb != nil:
			if !ta.Equal(*tb) {
				return ta.Before(*tb)
			}
		case ta != nil:
			return true
		case tb != nil:
			return false
		}
		return a.ID < b.ID
	})
}

// readyNames lists, in queue order, each process that has at least one
// instance that can still be handed out.
func (q *queue) readyNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, in := range q.items {
		if in.NextRunAt == nil || in.Status == StatusRunning || seen[in.Name] {
			continue
		}
		seen[in.Name] = true
		names = append(names, in.Name)
	}
	return names
}

// nextReady returns the first workable instance of process and marks it
// running. Scanning stops at the first candidate of that name: if it is not
// due yet a delay timer is armed for it and nil is returned.
func (q *queue) nextReady(process string) *Instance {
	now := q.now()
	for _, in := range q.items {
		if in.Name != process || in.Status == StatusRunning || in.NextRunAt == nil {
			continue
		}
		if !in.NextRunAt.After(now) {
			q.timers.cancel(in.ID)
			q.touch(in.ID)
			in.Status = StatusRunning
			return in
		}
		if _, ok := q.timers.armed(in.ID); !ok {
			delay := in.NextRunAt.Sub(now)
			q.timers.arm(in.ID, in.Name, *in.NextRunAt, delay)
			q.log.Debug().Str("process", in.Name).Str("job", in.ID).Dur("delay", delay).Msg("job delayed")
		}
		return nil
	}
	return nil
}

func (q *queue) counts() (pending, running int) {
	for _, in := range q.items {
		if in.Status == StatusRunning {
			running++
		} else {
			pending++
		}
	}
	return pending, running
}
