package warden

import "time"

// timers issues cancellable delay-timer tokens keyed by job id.
// All methods run on the engine loop; fire is called from timer goroutines
// and must only hand the token back to the loop.
type timers struct {
	entries map[string]timerEntry
	seq     uint64
	fire    func(id, process string, token uint64)
}

type timerEntry struct {
	t     *time.Timer
	at    time.Time
	token uint64
}

func newTimers(fire func(id, process string, token uint64)) *timers {
	return &timers{entries: map[string]timerEntry{}, fire: fire}
}

// arm schedules a fire for job id at `at`, replacing any earlier timer.
func (ts *timers) arm(id, process string, at time.Time, delay time.Duration) {
	ts.cancel(id)
	if delay < 0 {
		delay = 0
	}
	ts.seq++
	token := ts.seq
	t := time.AfterFunc(delay, func() { ts.fire(id, process, token) })
	ts.entries[id] = timerEntry{t: t, at: at, token: token}
}

// armed returns the fire time of the timer for id.
func (ts *timers) armed(id string) (time.Time, bool) {
	e, ok := ts.entries[id]
	return e.at, ok
}

// claim consumes a fired token. It reports false for tokens that were
// cancelled or replaced after the timer started firing.
func (ts *timers) claim(id string, token uint64) bool {
	e, ok := ts.entries[id]
	if !ok || e.token != token {
		return false
	}
	delete(ts.entries, id)
	return true
}

func (ts *timers) cancel(id string) {
	if e, ok := ts.entries[id]; ok {
		e.t.Stop()
		delete(ts.entries, id)
	}
}

func (ts *timers) clear() {
	for id, e := range ts.entries {
		e.t.Stop()
		delete(ts.entries, id)
	}
}

func (ts *timers) len() int { return len(ts.entries) }
