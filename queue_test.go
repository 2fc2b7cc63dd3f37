package warden

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firedTimer struct {
	id, process string
	token       uint64
}

type timerSink struct {
	mu    sync.Mutex
	fired []firedTimer
}

func (s *timerSink) fire(id, process string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired = append(s.fired, firedTimer{id, process, token})
}

func (s *timerSink) snapshot() []firedTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]firedTimer(nil), s.fired...)
}

func newTestQueue(now time.Time) (*queue, *timerSink) {
	sink := &timerSink{}
	ts := newTimers(sink.fire)
	return newQueue(ts, func() time.Time { return now }, zerolog.Nop()), sink
}

func instanceAt(id, name string, at *time.Time) *Instance {
	return &Instance{ID: id, Name: name, Status: StatusPending, NextRunAt: at}
}

func at(t time.Time) *time.Time { return &t }

func ids(q *queue) []string {
	out := make([]string, 0, q.len())
	for _, in := range q.items {
		out = append(out, in.ID)
	}
	return out
}

func TestQueueSortGroups(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(now)
	defer q.clear()

	q.add(instanceAt("later", "a", at(now.Add(2*time.Hour))))
	q.add(instanceAt("nil", "a", nil))
	q.add(instanceAt("armed", "a", at(now.Add(3*time.Hour))))
	q.add(instanceAt("due-late", "a", at(now.Add(-time.Minute))))
	q.add(instanceAt("due-early", "a", at(now.Add(-time.Hour))))

	q.timers.arm("armed", "a", now.Add(3*time.Hour), time.Hour)
	q.sort()

	// elapsed by time, then armed timers, then the rest by time with nil last
	assert.Equal(t, []string{"due-early", "due-late", "armed", "later", "nil"}, ids(q))
}

func TestQueueSortTiesByID(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(now)
	same := now.Add(-time.Second)
	q.add(instanceAt("b", "a", at(same)))
	q.add(instanceAt("a", "a", at(same)))
	assert.Equal(t, []string{"a", "b"}, ids(q))
}

func TestQueueNextReady(t *testing.T) {
	now := time.Now()

	t.Run("takes the first due instance of the process", func(t *testing.T) {
		q, _ := newTestQueue(now)
		defer q.clear()
		q.add(instanceAt("other", "b", at(now.Add(-time.Hour))))
		q.add(instanceAt("j1", "a", at(now.Add(-time.Minute))))
		q.add(instanceAt("j2", "a", at(now.Add(-time.Second))))

		in := q.nextReady("a")
		require.NotNil(t, in)
		assert.Equal(t, "j1", in.ID)
		assert.Equal(t, StatusRunning, in.Status)

		in = q.nextReady("a")
		require.NotNil(t, in)
		assert.Equal(t, "j2", in.ID)

		assert.Nil(t, q.nextReady("a"))
		assert.Equal(t, []string{"b"}, q.readyNames())
	})

	t.Run("arms a timer for the head when it is not due", func(t *testing.T) {
		q, _ := newTestQueue(now)
		defer q.clear()
		q.add(instanceAt("soon", "a", at(now.Add(time.Hour))))
		q.add(instanceAt("after", "a", at(now.Add(2*time.Hour))))

		assert.Nil(t, q.nextReady("a"))
		fireAt, ok := q.timers.armed("soon")
		require.True(t, ok)
		assert.True(t, fireAt.Equal(now.Add(time.Hour)))
		_, ok = q.timers.armed("after")
		assert.False(t, ok, "scanning stops at the first candidate")

		// a second pass does not re-arm
		q.nextReady("a")
		assert.Equal(t, 1, q.timers.len())
	})

	t.Run("skips running and unscheduled instances", func(t *testing.T) {
		q, _ := newTestQueue(now)
		defer q.clear()
		running := instanceAt("running", "a", at(now.Add(-time.Hour)))
		running.Status = StatusRunning
		q.add(running)
		q.add(instanceAt("nil", "a", nil))
		q.add(instanceAt("due", "a", at(now)))

		in := q.nextReady("a")
		require.NotNil(t, in)
		assert.Equal(t, "due", in.ID)
	})

	t.Run("taking a due instance cancels its timer", func(t *testing.T) {
		q, _ := newTestQueue(now)
		defer q.clear()
		q.add(instanceAt("j", "a", at(now.Add(-time.Second))))
		q.timers.arm("j", "a", now.Add(time.Hour), time.Hour)

		require.NotNil(t, q.nextReady("a"))
		assert.Equal(t, 0, q.timers.len())
	})
}

func TestQueueUpdateRefreshRemove(t *testing.T) {
	now := time.Now()
	q, _ := newTestQueue(now)
	defer q.clear()

	q.add(instanceAt("j", "a", at(now.Add(time.Hour))))
	q.nextReady("a")
	require.Equal(t, 1, q.timers.len())

	// same time keeps the timer
	assert.True(t, q.refresh(Record{ID: "j", Name: "a", Status: StatusPending, NextRunAt: at(now.Add(time.Hour))}))
	assert.Equal(t, 1, q.timers.len())

	// a moved time drops it
	assert.True(t, q.refresh(Record{ID: "j", Name: "a", Status: StatusPending, NextRunAt: at(now.Add(2 * time.Hour))}))
	assert.Equal(t, 0, q.timers.len())
	assert.False(t, q.refresh(Record{ID: "missing"}))

	q.nextReady("a")
	require.Equal(t, 1, q.timers.len())
	q.updateOrAdd(instanceAt("j", "a", at(now.Add(-time.Second))))
	assert.Equal(t, 0, q.timers.len())
	assert.Equal(t, 1, q.len())

	q.updateOrAdd(instanceAt("k", "a", nil))
	assert.Equal(t, 2, q.len())

	assert.True(t, q.remove("j"))
	assert.False(t, q.remove("j"))
	assert.Equal(t, []string{"k"}, ids(q))

	pending, running := q.counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, running)
}

func TestQueueTracksChangesDuringScan(t *testing.T) {
	now := time.Now()
	q, _ := newTestQueue(now)
	defer q.clear()

	q.add(instanceAt("a", "p", at(now)))
	assert.False(t, q.changedSinceScan("a"), "nothing is recorded between scans")

	q.beginScan()
	q.add(instanceAt("b", "p", at(now)))
	in := q.nextReady("p")
	require.NotNil(t, in)
	require.Equal(t, "a", in.ID)
	q.updateOrAdd(instanceAt("c", "p", nil))
	q.remove("d")

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, q.changedSinceScan(id), id)
	}
	assert.False(t, q.changedSinceScan("e"))

	q.endScan()
	assert.False(t, q.changedSinceScan("a"))
}

func TestTimers(t *testing.T) {
	sink := &timerSink{}
	ts := newTimers(sink.fire)
	defer ts.clear()

	ts.arm("j", "a", time.Now(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	f := sink.snapshot()[0]
	assert.Equal(t, "j", f.id)
	assert.Equal(t, "a", f.process)
	assert.True(t, ts.claim("j", f.token))
	assert.False(t, ts.claim("j", f.token), "tokens are single use")

	t.Run("replaced tokens are rejected", func(t *testing.T) {
		ts.arm("k", "a", time.Now(), time.Hour)
		ts.arm("k", "a", time.Now(), time.Hour)
		assert.Equal(t, 1, ts.len())
		assert.False(t, ts.claim("k", 1))
	})

	t.Run("cancelled timers never fire", func(t *testing.T) {
		before := len(sink.snapshot())
		ts.arm("c", "a", time.Now(), 20*time.Millisecond)
		ts.cancel("c")
		time.Sleep(60 * time.Millisecond)
		assert.Len(t, sink.snapshot(), before)
	})
}

func TestDistributorBacklog(t *testing.T) {
	d := distributor{maxBacklog: 2}
	d.push([]string{"a"})
	d.push([]string{"b"})
	d.push([]string{"b", "c"})
	d.push([]string{"a"})

	b, ok := d.pop()
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, b)
	b, ok = d.pop()
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c", "a"}, b)
	_, ok = d.pop()
	assert.False(t, ok)

	d.push([]string{"x"})
	d.reset()
	_, ok = d.pop()
	assert.False(t, ok)
}
