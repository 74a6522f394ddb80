package watch

import "sync"

// eventBuffer is the FIFO shared between all workers (producers) and the
// consumer drain. It is the only mutable state shared across goroutines in
// this package; no other lock is held while its mutex is taken.
type eventBuffer struct {
	mu     sync.Mutex
	events []NotifyEvent
}

// publish appends a batch of events under one mutex acquisition, so a
// worker's kernel drain lands contiguously in the FIFO.
func (b *eventBuffer) publish(batch []NotifyEvent) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, batch...)
	b.mu.Unlock()
}

// drain removes all buffered events in insertion order, invoking fn for
// each while the mutex is held. Events published during the drain block on
// the mutex and are served by the next call.
func (b *eventBuffer) drain(fn func(NotifyEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		fn(e)
	}
	b.events = b.events[:0]
}

// filterBatch applies the publication-time filter to a worker's in-batch
// event list: Filesystem events whose flags are not selected by filter are
// dropped, rename-pairing cookies are zeroed, and a Renamed placeholder
// whose second half never arrived in the batch is discarded rather than
// published with an empty path. Framing events pass through untouched.
// The batch is filtered in place and the surviving prefix returned.
func filterBatch(batch []NotifyEvent, filter NotifyFlags) []NotifyEvent {
	out := batch[:0]
	for _, e := range batch {
		if e.Type == Filesystem {
			if e.Flags&filter == 0 {
				continue
			}
			if e.Flags == NotifyRenamed && (e.Path == "" || e.LastPath == "") {
				continue
			}
			e.cookie = 0
		}
		out = append(out, e)
	}
	return out
}
