package warden

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names an engine notification.
type EventType string

const (
	EventJobAdded     EventType = "job-added"
	EventJobUpdated   EventType = "job-updated"
	EventJobRemoved   EventType = "job-removed"
	EventQueueFilled  EventType = "queue-filled"
	EventQueueUpdated EventType = "queue-updated"
	EventJobReady     EventType = "job-ready"
	EventWorkerReady  EventType = "worker-ready"
	EventJobAssigned  EventType = "job-assigned"

	// Observability only; nothing inside the engine subscribes to these.
	EventJobClaimed   EventType = "job-claimed"
	EventJobCompleted EventType = "job-completed"
	EventJobFailed    EventType = "job-failed"
	EventScanFailed   EventType = "scan-failed"
)

// Event is a notification published on an engine's bus.
//
// Fields not relevant to a type are left zero.
type Event struct {
	Type        EventType
	Time        time.Time
	Process     string
	Names       []string
	JobID       string
	WorkerID    int
	Status      Status
	ScanHorizon time.Time
	Err         error

	// job travels with job-assigned inside the loop only.
	job *Instance
}

type handlerFunc func(Event)

type message struct {
	ev   Event
	run  func()
	done chan struct{}
}

// bus serializes every engine state mutation onto one goroutine.
//
// Notifications and closures are processed strictly in publish order.
// Publishing never blocks, including from inside a handler. Observers
// attached with subscribe get a lossy copy of each notification.
type bus struct {
	mu      sync.Mutex
	pending []message
	wake    chan struct{}

	handlers map[EventType][]handlerFunc

	subsMu sync.RWMutex
	subs   map[uint64]chan Event
	seq    atomic.Uint64

	now     func() time.Time
	started atomic.Bool
	quit    chan struct{}
	stopped chan struct{}
}

func newBus(now func() time.Time) *bus {
	return &bus{
		wake:     make(chan struct{}, 1),
		handlers: map[EventType][]handlerFunc{},
		subs:     map[uint64]chan Event{},
		now:      now,
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// on registers a handler. It must be called before start.
func (b *bus) on(t EventType, h handlerFunc) {
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *bus) start() {
	if b.started.Swap(true) {
		return
	}
	go b.loop()
}

// stop ends the loop after the message being processed. Queued messages are
// dropped; waiting callers are released with ErrStopped.
func (b *bus) stop() {
	if !b.started.Load() {
		return
	}
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	<-b.stopped
}

func (b *bus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.enqueue(message{ev: ev})
}

// post runs fn on the loop without waiting.
func (b *bus) post(fn func()) {
	b.enqueue(message{run: fn})
}

// call runs fn on the loop and waits for it to return.
func (b *bus) call(ctx context.Context, fn func()) error {
	if !b.started.Load() {
		return ErrNotInitialized
	}
	done := make(chan struct{})
	b.enqueue(message{run: fn, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrStopped
	}
}

func (b *bus) enqueue(m message) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bus) next() (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return message{}, false
	}
	m := b.pending[0]
	b.pending[0] = message{}
	b.pending = b.pending[1:]
	return m, true
}

func (b *bus) loop() {
	defer close(b.stopped)
	for {
		select {
		case <-b.quit:
			return
		case <-b.wake:
		}
		for {
			select {
			case <-b.quit:
				return
			default:
			}
			m, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(m)
		}
	}
}

func (b *bus) dispatch(m message) {
	if m.run != nil {
		m.run()
		if m.done != nil {
			close(m.done)
		}
		return
	}
	for _, h := range b.handlers[m.ev.Type] {
		h(m.ev)
	}
	b.fanout(m.ev)
}

// subscribe attaches an observer. Slow observers drop events.
func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.subsMu.Lock()
	b.subs[id] = ch
	b.subsMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, id)
			b.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *bus) fanout(ev Event) {
	ev.job = nil
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
