package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultReadyCapacity is the default broadcast ring size.
const DefaultReadyCapacity = 1000

// ReadyBuffer holds broadcast events until a sink (the WebSocket server with
// an operator connection) attaches, then flushes them in order. With
// dropIfSlow the oldest event is dropped when full; otherwise Offer blocks
// until space frees up or a sink attaches.
type ReadyBuffer struct {
	mu         sync.Mutex
	cond       *sync.Cond
	buf        []Event
	cap        int
	dropIfSlow bool
	sink       func(Event)
	dropped    atomic.Uint64
}

// NewReadyBuffer creates a ready buffer. capacity <= 0 uses the default.
func NewReadyBuffer(capacity int, dropIfSlow bool) *ReadyBuffer {
	if capacity <= 0 {
		capacity = DefaultReadyCapacity
	}
	rb := &ReadyBuffer{cap: capacity, dropIfSlow: dropIfSlow}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Offer queues or forwards one event.
func (rb *ReadyBuffer) Offer(e Event) {
	rb.mu.Lock()

	if rb.sink != nil {
		sink := rb.sink
		rb.mu.Unlock()
		sink(e)
		return
	}

	for len(rb.buf) >= rb.cap {
		if rb.dropIfSlow {
			rb.buf = rb.buf[1:]
			rb.dropped.Add(1)
			break
		}
		rb.cond.Wait()
		if rb.sink != nil {
			sink := rb.sink
			rb.mu.Unlock()
			sink(e)
			return
		}
	}

	rb.buf = append(rb.buf, e.Clone())
	rb.mu.Unlock()
}

// Attach installs the sink and flushes buffered events in order. The flush
// happens before the sink becomes visible to Offer, so a concurrent live
// event cannot jump ahead of older buffered ones.
func (rb *ReadyBuffer) Attach(fn func(Event)) {
	rb.mu.Lock()
	pending := rb.buf
	rb.buf = nil
	for _, e := range pending {
		fn(e)
	}
	rb.sink = fn
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// Detach removes the sink; subsequent events buffer again.
func (rb *ReadyBuffer) Detach() {
	rb.mu.Lock()
	rb.sink = nil
	rb.mu.Unlock()
}

// Len returns the number of buffered events.
func (rb *ReadyBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf)
}

// Dropped returns the count of events discarded under backpressure.
func (rb *ReadyBuffer) Dropped() uint64 {
	return rb.dropped.Load()
}
