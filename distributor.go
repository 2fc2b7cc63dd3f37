package warden

// distributor holds the backlog of process-name batches waiting for a
// distribution pass. It is owned by the engine loop.
type distributor struct {
	batches    [][]string
	active     bool
	maxBacklog int
}

func (d *distributor) push(names []string) {
	if len(d.batches) >= d.maxBacklog && len(d.batches) > 0 {
		last := d.batches[len(d.batches)-1]
		for _, n := range names {
			if !containsName(last, n) {
				last = append(last, n)
			}
		}
		d.batches[len(d.batches)-1] = last
		return
	}
	d.batches = append(d.batches, append([]string(nil), names...))
}

func (d *distributor) pop() ([]string, bool) {
	if len(d.batches) == 0 {
		return nil, false
	}
	b := d.batches[0]
	d.batches[0] = nil
	d.batches = d.batches[1:]
	return b, true
}

func (d *distributor) reset() {
	d.batches = nil
}

// requestDistribution queues a batch and drains the backlog.
func (e *Engine) requestDistribution(names []string) {
	if !e.started || len(names) == 0 {
		return
	}
	e.dist.push(names)
	e.distribute()
}

// distribute pairs free worker slots with ready jobs until every queued
// batch is drained or the queue is empty. Only one pass runs at a time.
func (e *Engine) distribute() {
	d := &e.dist
	if d.active {
		return
	}
	d.active = true
	defer func() { d.active = false }()

	e.queue.sort()
	for {
		batch, ok := d.pop()
		if !ok {
			return
		}
		if e.queue.len() == 0 {
			d.reset()
			return
		}
		for _, p := range e.order {
			if !containsName(batch, p.name) {
				continue
			}
			for {
				s := p.freeSlot()
				if s == nil {
					break
				}
				in := e.queue.nextReady(p.name)
				if in == nil {
					break
				}
				s.busy = true
				e.bus.publish(Event{
					Type:        EventJobAssigned,
					Process:     p.name,
					JobID:       in.ID,
					WorkerID:    s.id,
					ScanHorizon: e.queue.horizon,
					job:         in,
				})
			}
		}
	}
}

func containsName(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
