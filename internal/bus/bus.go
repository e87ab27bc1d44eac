package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives a published event. A panicking handler is recovered and
// counted; it never blocks delivery to other handlers.
type Handler func(Event)

// Subscription identifies one registered handler for Unsubscribe.
type Subscription struct {
	id  uint64
	typ EventType
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a synchronous single-writer-many-reader fan-out. Subscriber lists
// are copy-on-write so Publish never blocks behind Subscribe.
type Bus struct {
	mu     sync.Mutex             // guards mutation of subs map
	subs   map[EventType][]subscriber // read via snapshot under mu, lists are immutable
	nextID atomic.Uint64

	failures sync.Map // EventType → *atomic.Uint64

	ready *ReadyBuffer
}

// Option configures a Bus.
type Option func(*Bus)

// WithReadyBuffer overrides the broadcast ready buffer (default 1000, drop-oldest).
func WithReadyBuffer(rb *ReadyBuffer) Option {
	return func(b *Bus) { b.ready = rb }
}

// NewBus creates a bus with a default ready buffer.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[EventType][]subscriber),
		ready: NewReadyBuffer(DefaultReadyCapacity, true),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for one event type, or all types via TypeAny.
func (b *Bus) Subscribe(t EventType, h Handler) Subscription {
	id := b.nextID.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.subs[t]
	next := make([]subscriber, len(old), len(old)+1)
	copy(next, old)
	b.subs[t] = append(next, subscriber{id: id, fn: h})

	return Subscription{id: id, typ: t}
}

// Unsubscribe removes a previously registered handler. Safe to call twice.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.subs[s.typ]
	next := make([]subscriber, 0, len(old))
	for _, sub := range old {
		if sub.id != s.id {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subs, s.typ)
	} else {
		b.subs[s.typ] = next
	}
}

// Publish delivers the event synchronously to every handler subscribed to its
// type and to TypeAny. Handler panics are recovered and counted per type.
// Broadcast events additionally land in the ready buffer until a sink attaches.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	typed := b.subs[e.Type]
	any := b.subs[TypeAny]
	b.mu.Unlock()

	for _, sub := range typed {
		b.deliver(sub, e)
	}
	for _, sub := range any {
		b.deliver(sub, e)
	}

	if e.Broadcast {
		b.ready.Offer(e)
	}
}

func (b *Bus) deliver(sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.countFailure(e.Type)
			slog.Error("event handler panicked", "type", e.Type, "panic", r)
		}
	}()
	sub.fn(e)
}

func (b *Bus) countFailure(t EventType) {
	v, _ := b.failures.LoadOrStore(t, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(1)
}

// HandlerFailures returns how many handler panics occurred for a type.
func (b *Bus) HandlerFailures(t EventType) uint64 {
	if v, ok := b.failures.Load(t); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// AttachSink installs the broadcast sink (the RPC server). Buffered broadcast
// events are flushed to it in publish order; subsequent broadcast events are
// delivered live. Only the first attach drains the buffer.
func (b *Bus) AttachSink(fn func(Event)) {
	b.ready.Attach(fn)
}

// DetachSink removes the broadcast sink; broadcast events buffer again.
func (b *Bus) DetachSink() {
	b.ready.Detach()
}

// DroppedBroadcasts reports events dropped by the ready buffer under backpressure.
func (b *Bus) DroppedBroadcasts() uint64 {
	return b.ready.Dropped()
}
